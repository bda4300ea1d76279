package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

// shortReplies holds, per kind, a reply that passes the markers but is
// shorter than the minimum length.
var shortReplies = map[Kind][]byte{
	KindGetTime:                {0x02, MsgGetTime},
	KindSetTime:                {0x02, MsgSetTime},
	KindGetDeviceInfo:          {0x02, MsgGetDeviceInfo},
	KindGetBattery:             {0x02, MsgGetBattery},
	KindGetDeviceStatus:        {0x02, MsgGetDeviceStatus},
	KindSetStepsTarget:         {0x02, MsgSetStepsTarget},
	KindGetStepsTarget:         {0x02, MsgGetStepsTarget},
	KindSetAlarms:              {0x02, MsgSetAlarms},
	KindGetAlarms:              {0x02, MsgGetAlarms},
	KindSetDoNotDisturb:        {0x02, MsgSetDoNotDisturb},
	KindGetDoNotDisturb:        {0x02, MsgGetDoNotDisturb},
	KindSetSedentaryReminder:   {0x02, MsgSetSedentaryReminder},
	KindGetSedentaryReminder:   {0x02, MsgGetSedentaryReminder},
	KindSetUserProfile:         {0x02, MsgSetUserProfile},
	KindSetUnits:               {0x02, MsgSetUnits},
	KindSetHeartRateMonitoring: {0x02, MsgSetHeartRateMonitoring},
	KindGetHeartRate:           {0x02, MsgGetHeartRate},
	KindSetWristWake:           {0x02, MsgSetWristWake},
	KindSetCameraMode:          {0x02, MsgSetCameraMode},
	KindReboot:                 {0x02, MsgReboot},
	KindPushMessage:            {0x02, MsgPushMessage},
	KindSetWeather:             {0x02, MsgSetWeather},
	KindFindBand:               {0xAB, 0x01},
	KindFactoryReset:           {0xAB, 0xFF},
	KindGetExerciseRecords:     {PacketMore},
	KindGetDailyRecords:        {PacketLast},
}

func TestEveryKindHasPrototype(t *testing.T) {
	for _, k := range Kinds() {
		cmd := New(k)
		if cmd == nil {
			t.Errorf("New(%v) = nil", k)
			continue
		}
		if cmd.Kind() != k {
			t.Errorf("New(%v).Kind() = %v", k, cmd.Kind())
		}
		if strings.HasPrefix(k.String(), "Kind(") {
			t.Errorf("kind %d has no name", int(k))
		}
		if len(cmd.Encode()) == 0 {
			t.Errorf("%v: Encode() returned no bytes", k)
		}
		if _, ok := shortReplies[k]; !ok {
			t.Errorf("%v: missing from shortReplies", k)
		}
	}
	if New(kindCount) != nil {
		t.Error("New(kindCount) should be nil")
	}
}

func TestCheckIncompatibleDoesNotResolve(t *testing.T) {
	mismatch := []byte{0x7E, 0x7E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	for _, k := range Kinds() {
		cmd := New(k)
		calls := 0
		cmd.OnDone(func(error) { calls++ })

		if got := cmd.Check(mismatch); got != Incompatible {
			t.Errorf("%v: Check(mismatch) = %v, want incompatible", k, got)
		}
		if got := cmd.Check(nil); got != Incompatible {
			t.Errorf("%v: Check(nil) = %v, want incompatible", k, got)
		}
		if calls != 0 || cmd.Done() {
			t.Errorf("%v: incompatible packet resolved the command", k)
		}
	}
}

func TestCheckShortReplyInvalidDataLength(t *testing.T) {
	for _, k := range Kinds() {
		cmd := New(k)
		calls := 0
		var gotErr error
		cmd.OnDone(func(err error) {
			calls++
			gotErr = err
		})

		if got := cmd.Check(shortReplies[k]); got != InvalidDataLength {
			t.Errorf("%v: Check(short) = %v, want invalid_data_length", k, got)
			continue
		}
		if calls != 1 {
			t.Errorf("%v: callback ran %d times, want 1", k, calls)
		}
		if !errors.Is(gotErr, ErrInvalidLength) {
			t.Errorf("%v: error = %v, want ErrInvalidLength", k, gotErr)
		}
		// Terminal: later packets are not consumed.
		if got := cmd.Check(shortReplies[k]); got != Incompatible {
			t.Errorf("%v: Check after terminal = %v, want incompatible", k, got)
		}
		if calls != 1 {
			t.Errorf("%v: callback ran again after terminal", k)
		}
	}
}

func TestFailedResolvesOnce(t *testing.T) {
	for _, k := range Kinds() {
		cmd := New(k)
		calls := 0
		var gotErr error
		cmd.OnDone(func(err error) {
			calls++
			gotErr = err
		})

		cmd.Failed()
		cmd.Failed()

		if calls != 1 {
			t.Errorf("%v: Failed() twice ran callback %d times, want 1", k, calls)
		}
		if !errors.Is(gotErr, ErrFailed) {
			t.Errorf("%v: error = %v, want ErrFailed", k, gotErr)
		}
		if !cmd.Done() {
			t.Errorf("%v: Done() = false after Failed()", k)
		}
	}
}

func TestOnResultAfterResolve(t *testing.T) {
	cmd := NewGetHeartRate()
	if got := cmd.Check([]byte{0x03, MsgGetHeartRate, 72}); got != Completed {
		t.Fatalf("Check() = %v, want completed", got)
	}
	var bpm int
	cmd.OnResult(func(v int, err error) {
		if err != nil {
			t.Errorf("unexpected error %v", err)
		}
		bpm = v
	})
	if bpm != 72 {
		t.Errorf("late OnResult got %d, want 72", bpm)
	}
}

func TestKeysAreUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		k := NewGetTime(nil).Key().String()
		if seen[k] {
			t.Fatalf("duplicate key %s after %d commands", k, i)
		}
		seen[k] = true
	}
}

func TestGetTimeRoundTrip(t *testing.T) {
	want := time.Date(2025, time.July, 4, 8, 15, 59, 0, time.UTC)
	set := NewSetTime(want)
	req := set.Encode()
	if req[0] != byte(len(req)) || req[1] != MsgSetTime {
		t.Fatalf("SetTime.Encode() = % x, bad header", req)
	}
	if !bytes.Equal(req[2:8], []byte{25, 7, 4, 8, 15, 59}) {
		t.Fatalf("SetTime date bytes = % x", req[2:8])
	}

	reply := append([]byte{0x08, MsgGetTime}, req[2:8]...)
	get := NewGetTime(time.UTC)
	var got time.Time
	get.OnResult(func(v time.Time, err error) {
		if err != nil {
			t.Fatalf("GetTime error = %v", err)
		}
		got = v
	})
	if st := get.Check(reply); st != Completed {
		t.Fatalf("GetTime.Check() = %v, want completed", st)
	}
	if !got.Equal(want) {
		t.Errorf("GetTime = %v, want %v", got, want)
	}
}

func TestGetTimeInvalidDate(t *testing.T) {
	get := NewGetTime(time.UTC)
	var gotErr error
	get.OnDone(func(err error) { gotErr = err })
	if st := get.Check([]byte{0x08, MsgGetTime, 25, 0, 1, 0, 0, 0}); st != Completed {
		t.Fatalf("Check() = %v, want completed", st)
	}
	if gotErr == nil {
		t.Error("month 0 should resolve an error")
	}
}

func TestSetStepsTargetFixture(t *testing.T) {
	got := NewSetStepsTarget(10000).Encode()
	want := []byte{0x06, 0x06, 0x00, 0x00, 0x27, 0x10}
	if !bytes.Equal(got, want) {
		t.Errorf("SetStepsTarget(10000).Encode() = % x, want % x", got, want)
	}
}

func TestGetStepsTarget(t *testing.T) {
	cmd := NewGetStepsTarget()
	var got uint32
	cmd.OnResult(func(v uint32, _ error) { got = v })
	cmd.Check([]byte{0x06, MsgGetStepsTarget, 0x00, 0x00, 0x27, 0x10})
	if got != 10000 {
		t.Errorf("GetStepsTarget = %d, want 10000", got)
	}
}

func TestDeviceStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		healthy bool
		faults  []string
	}{
		{"all healthy", 0b00000111, true, nil},
		{"accelerometer down", 0b00000101, false, []string{"accelerometer"}},
		{"all down", 0b00000000, false, []string{"heart_rate_sensor", "accelerometer", "flash"}},
		{"upper bits ignored", 0b11111111, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewGetDeviceStatus()
			var got DeviceStatus
			cmd.OnResult(func(v DeviceStatus, _ error) { got = v })
			if st := cmd.Check([]byte{0x03, MsgGetDeviceStatus, tt.status}); st != Completed {
				t.Fatalf("Check() = %v", st)
			}
			if got.Healthy() != tt.healthy {
				t.Errorf("Healthy() = %v, want %v", got.Healthy(), tt.healthy)
			}
			if strings.Join(got.Faults(), ",") != strings.Join(tt.faults, ",") {
				t.Errorf("Faults() = %v, want %v", got.Faults(), tt.faults)
			}
		})
	}
}

func TestGetDeviceInfo(t *testing.T) {
	cmd := NewGetDeviceInfo()
	var got DeviceInfo
	cmd.OnResult(func(v DeviceInfo, _ error) { got = v })
	cmd.Check([]byte{0x0A, MsgGetDeviceInfo, 1, 4, 12, 3, 0x00, 0x01, 0xE2, 0x40})
	if got.Firmware != "1.4.12" || got.HardwareRevision != 3 || got.Serial != 123456 {
		t.Errorf("DeviceInfo = %+v", got)
	}
}

func TestGetBatteryClampsLevel(t *testing.T) {
	cmd := NewGetBattery()
	var got Battery
	cmd.OnResult(func(v Battery, _ error) { got = v })
	cmd.Check([]byte{0x04, MsgGetBattery, 150, 1})
	if got.Level != 100 || !got.Charging {
		t.Errorf("Battery = %+v, want level 100 charging", got)
	}
}

func TestAckRejected(t *testing.T) {
	cmd := NewSetWristWake(true)
	var ok bool
	var gotErr error
	cmd.OnResult(func(v bool, err error) { ok, gotErr = v, err })
	if st := cmd.Check([]byte{0x03, MsgSetWristWake, 0x01}); st != Completed {
		t.Fatalf("Check() = %v, want completed", st)
	}
	if ok || !errors.Is(gotErr, ErrRejected) {
		t.Errorf("ack = %v, %v; want false, ErrRejected", ok, gotErr)
	}
}

func TestLiteralCommands(t *testing.T) {
	find := NewFindBand()
	if !bytes.Equal(find.Encode(), []byte{0xAB, 0x01}) {
		t.Errorf("FindBand.Encode() = % x", find.Encode())
	}
	if st := find.Check([]byte{0xAB, 0xFF, 0x00}); st != Incompatible {
		t.Errorf("FindBand.Check(reset reply) = %v, want incompatible", st)
	}
	if st := find.Check([]byte{0xAB, 0x01, 0x00}); st != Completed {
		t.Errorf("FindBand.Check() = %v, want completed", st)
	}

	reset := NewFactoryReset()
	if !bytes.Equal(reset.Encode(), []byte{0xAB, 0xFF, 0xA5, 0x5A}) {
		t.Errorf("FactoryReset.Encode() = % x", reset.Encode())
	}
}

func TestAlarms(t *testing.T) {
	alarms := []Alarm{
		{Enabled: true, Hour: 6, Minute: 30, Days: Workdays},
		{Enabled: false, Hour: 9, Minute: 0, Days: Saturday | Sunday},
	}
	set, err := NewSetAlarms(alarms)
	if err != nil {
		t.Fatalf("NewSetAlarms() error = %v", err)
	}
	req := set.Encode()
	if req[0] != 11 || req[2] != 2 {
		t.Fatalf("SetAlarms.Encode() = % x", req)
	}

	get := NewGetAlarms()
	var got []Alarm
	get.OnResult(func(v []Alarm, _ error) { got = v })
	reply := append([]byte{req[0], MsgGetAlarms}, req[2:]...)
	if st := get.Check(reply); st != Completed {
		t.Fatalf("GetAlarms.Check() = %v", st)
	}
	if len(got) != 2 || got[0] != alarms[0] || got[1] != alarms[1] {
		t.Errorf("GetAlarms = %+v, want %+v", got, alarms)
	}
}

func TestGetAlarmsTruncated(t *testing.T) {
	get := NewGetAlarms()
	// count says 2 but only one alarm follows
	if st := get.Check([]byte{0x07, MsgGetAlarms, 2, 1, 6, 30, 0x1F}); st != InvalidDataLength {
		t.Errorf("Check() = %v, want invalid_data_length", st)
	}
}

func TestSetAlarmsValidation(t *testing.T) {
	if _, err := NewSetAlarms(make([]Alarm, MaxAlarms+1)); err == nil {
		t.Error("too many alarms should error")
	}
	if _, err := NewSetAlarms([]Alarm{{Hour: 24}}); err == nil {
		t.Error("hour 24 should error")
	}
}

func TestSedentaryRoundTrip(t *testing.T) {
	r := SedentaryReminder{Enabled: true, StartHour: 9, EndHour: 18, Interval: 300, Days: Workdays}
	req := NewSetSedentaryReminder(r).Encode()
	get := NewGetSedentaryReminder()
	var got SedentaryReminder
	get.OnResult(func(v SedentaryReminder, _ error) { got = v })
	get.Check(append([]byte{req[0], MsgGetSedentaryReminder}, req[2:]...))
	if got != r {
		t.Errorf("GetSedentaryReminder = %+v, want %+v", got, r)
	}
}

func TestDoNotDisturbRoundTrip(t *testing.T) {
	w := DNDWindow{Enabled: true, StartHour: 22, StartMinute: 30, EndHour: 7, EndMinute: 0}
	req := NewSetDoNotDisturb(w).Encode()
	get := NewGetDoNotDisturb()
	var got DNDWindow
	get.OnResult(func(v DNDWindow, _ error) { got = v })
	get.Check(append([]byte{req[0], MsgGetDoNotDisturb}, req[2:]...))
	if got != w {
		t.Errorf("GetDoNotDisturb = %+v, want %+v", got, w)
	}
}

func TestSetUserProfileEncode(t *testing.T) {
	got := NewSetUserProfile(UserProfile{HeightCm: 180, WeightKg: 72.5, Age: 35, Gender: GenderMale, StrideCm: 75}).Encode()
	want := []byte{0x08, MsgSetUserProfile, 180, 0x02, 0xD5, 35, 1, 75}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % x, want % x", got, want)
	}
}

func TestSetWeatherNegativeTemps(t *testing.T) {
	got := NewSetWeather(Weather{Condition: ConditionSnow, TempC: -5, MinC: -12, MaxC: 1, Humidity: 80}).Encode()
	want := []byte{0x07, MsgSetWeather, byte(ConditionSnow), 0xFB, 0xF4, 0x01, 80}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % x, want % x", got, want)
	}
}

func TestPushMessageTruncatesAtRune(t *testing.T) {
	text := strings.Repeat("a", MaxMessageBytes-1) + "é" // é is 2 bytes
	cmd := NewPushMessage(AppSMS, text)
	if len(cmd.Text) != MaxMessageBytes-1 {
		t.Errorf("Text length = %d, want %d", len(cmd.Text), MaxMessageBytes-1)
	}
	req := cmd.Encode()
	if req[2] != byte(AppSMS) || int(req[0]) != len(req) {
		t.Errorf("Encode() header = % x", req[:3])
	}
}
