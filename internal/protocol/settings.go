package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/chaz8081/bandlink/internal/codec"
)

// SetStepsTarget sets the daily steps goal.
//
//	request: [0x06, 0x06, target(4, big-endian)]
type SetStepsTarget struct {
	ack
	Target uint32
}

func NewSetStepsTarget(target uint32) *SetStepsTarget {
	c := &SetStepsTarget{Target: target}
	c.initAck(KindSetStepsTarget, idMarker(MsgSetStepsTarget))
	return c
}

func (c *SetStepsTarget) Encode() []byte {
	return frame(MsgSetStepsTarget, codec.To32BitByte(c.Target)...)
}

// GetStepsTarget reads the daily steps goal.
//
//	response: [0x06, 0x07, target(4, big-endian)]
type GetStepsTarget struct {
	base[uint32]
}

func NewGetStepsTarget() *GetStepsTarget {
	c := &GetStepsTarget{}
	c.init(KindGetStepsTarget)
	return c
}

func (c *GetStepsTarget) Encode() []byte { return frame(MsgGetStepsTarget) }

func (c *GetStepsTarget) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 6, idMarker(MsgGetStepsTarget))
	if !ok {
		return status
	}
	c.resolve(codec.BigEndian(data[2:6]), nil)
	return Completed
}

// Weekdays is a day mask, bit 0 = Monday ... bit 6 = Sunday.
type Weekdays byte

const (
	Monday Weekdays = 1 << iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday

	Workdays = Monday | Tuesday | Wednesday | Thursday | Friday
	EveryDay = Workdays | Saturday | Sunday
)

// MaxAlarms is the number of alarm slots on the band.
const MaxAlarms = 5

// Alarm is one alarm slot.
type Alarm struct {
	Enabled bool
	Hour    int
	Minute  int
	Days    Weekdays
}

func (a Alarm) encode() []byte {
	return []byte{boolByte(a.Enabled), byte(a.Hour), byte(a.Minute), byte(a.Days)}
}

// SetAlarms replaces every alarm slot. With five alarms the packet is longer
// than a default 20-byte write; the transport splits it.
//
//	request: [len, 0x08, count, (enabled, hour, minute, days)*count]
type SetAlarms struct {
	ack
	Alarms []Alarm
}

// NewSetAlarms validates alarms and returns the command.
func NewSetAlarms(alarms []Alarm) (*SetAlarms, error) {
	if len(alarms) > MaxAlarms {
		return nil, fmt.Errorf("protocol: at most %d alarms, got %d", MaxAlarms, len(alarms))
	}
	for i, a := range alarms {
		if a.Hour < 0 || a.Hour > 23 || a.Minute < 0 || a.Minute > 59 {
			return nil, fmt.Errorf("protocol: alarm %d has invalid time %02d:%02d", i, a.Hour, a.Minute)
		}
	}
	c := &SetAlarms{Alarms: alarms}
	c.initAck(KindSetAlarms, idMarker(MsgSetAlarms))
	return c, nil
}

func (c *SetAlarms) Encode() []byte {
	payload := []byte{byte(len(c.Alarms))}
	for _, a := range c.Alarms {
		payload = append(payload, a.encode()...)
	}
	return frame(MsgSetAlarms, payload...)
}

// GetAlarms reads every alarm slot.
//
//	response: [len, 0x09, count, (enabled, hour, minute, days)*count]
type GetAlarms struct {
	base[[]Alarm]
}

func NewGetAlarms() *GetAlarms {
	c := &GetAlarms{}
	c.init(KindGetAlarms)
	return c
}

func (c *GetAlarms) Encode() []byte { return frame(MsgGetAlarms) }

func (c *GetAlarms) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 3, idMarker(MsgGetAlarms))
	if !ok {
		return status
	}
	count := int(data[2])
	if count > MaxAlarms {
		count = MaxAlarms
	}
	if need := 3 + 4*count; len(data) < need {
		c.resolve(nil, fmt.Errorf("%w: %d alarms need %d bytes, got %d", ErrInvalidLength, count, need, len(data)))
		return InvalidDataLength
	}
	alarms := make([]Alarm, 0, count)
	for i := 0; i < count; i++ {
		b := data[3+4*i : 7+4*i]
		alarms = append(alarms, Alarm{
			Enabled: b[0] != 0,
			Hour:    int(b[1]),
			Minute:  int(b[2]),
			Days:    Weekdays(b[3]),
		})
	}
	c.resolve(alarms, nil)
	return Completed
}

// DNDWindow is the do-not-disturb period.
type DNDWindow struct {
	Enabled     bool
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// SetDoNotDisturb writes the do-not-disturb window.
//
//	request: [0x07, 0x0A, enabled, startH, startM, endH, endM]
type SetDoNotDisturb struct {
	ack
	Window DNDWindow
}

func NewSetDoNotDisturb(w DNDWindow) *SetDoNotDisturb {
	c := &SetDoNotDisturb{Window: w}
	c.initAck(KindSetDoNotDisturb, idMarker(MsgSetDoNotDisturb))
	return c
}

func (c *SetDoNotDisturb) Encode() []byte {
	w := c.Window
	return frame(MsgSetDoNotDisturb,
		boolByte(w.Enabled), byte(w.StartHour), byte(w.StartMinute), byte(w.EndHour), byte(w.EndMinute))
}

// GetDoNotDisturb reads the do-not-disturb window.
//
//	response: [0x07, 0x0B, enabled, startH, startM, endH, endM]
type GetDoNotDisturb struct {
	base[DNDWindow]
}

func NewGetDoNotDisturb() *GetDoNotDisturb {
	c := &GetDoNotDisturb{}
	c.init(KindGetDoNotDisturb)
	return c
}

func (c *GetDoNotDisturb) Encode() []byte { return frame(MsgGetDoNotDisturb) }

func (c *GetDoNotDisturb) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 7, idMarker(MsgGetDoNotDisturb))
	if !ok {
		return status
	}
	c.resolve(DNDWindow{
		Enabled:     data[2] != 0,
		StartHour:   int(data[3]),
		StartMinute: int(data[4]),
		EndHour:     int(data[5]),
		EndMinute:   int(data[6]),
	}, nil)
	return Completed
}

// SedentaryReminder configures the inactivity nudge.
type SedentaryReminder struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Interval  int // minutes
	Days      Weekdays
}

// SetSedentaryReminder writes the inactivity reminder.
//
//	request: [0x08, 0x0C, enabled, startH, endH, interval(2, big-endian), days]
type SetSedentaryReminder struct {
	ack
	Reminder SedentaryReminder
}

func NewSetSedentaryReminder(r SedentaryReminder) *SetSedentaryReminder {
	c := &SetSedentaryReminder{Reminder: r}
	c.initAck(KindSetSedentaryReminder, idMarker(MsgSetSedentaryReminder))
	return c
}

func (c *SetSedentaryReminder) Encode() []byte {
	r := c.Reminder
	payload := []byte{boolByte(r.Enabled), byte(r.StartHour), byte(r.EndHour)}
	payload = append(payload, codec.To16BitByte(uint16(r.Interval))...)
	payload = append(payload, byte(r.Days))
	return frame(MsgSetSedentaryReminder, payload...)
}

// GetSedentaryReminder reads the inactivity reminder.
//
//	response: [0x08, 0x0D, enabled, startH, endH, interval(2, big-endian), days]
type GetSedentaryReminder struct {
	base[SedentaryReminder]
}

func NewGetSedentaryReminder() *GetSedentaryReminder {
	c := &GetSedentaryReminder{}
	c.init(KindGetSedentaryReminder)
	return c
}

func (c *GetSedentaryReminder) Encode() []byte { return frame(MsgGetSedentaryReminder) }

func (c *GetSedentaryReminder) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 8, idMarker(MsgGetSedentaryReminder))
	if !ok {
		return status
	}
	c.resolve(SedentaryReminder{
		Enabled:   data[2] != 0,
		StartHour: int(data[3]),
		EndHour:   int(data[4]),
		Interval:  int(codec.BigEndian(data[5:7])),
		Days:      Weekdays(data[7]),
	}, nil)
	return Completed
}

// Gender as stored in the user profile.
type Gender byte

const (
	GenderFemale Gender = iota
	GenderMale
	GenderOther
)

// UserProfile feeds the band's calorie and distance estimates.
type UserProfile struct {
	HeightCm int
	WeightKg float64
	Age      int
	Gender   Gender
	StrideCm int
}

// SetUserProfile writes the user profile. Weight travels in tenths of a kilogram.
//
//	request: [0x08, 0x0E, height, weight*10(2, big-endian), age, gender, stride]
type SetUserProfile struct {
	ack
	Profile UserProfile
}

func NewSetUserProfile(p UserProfile) *SetUserProfile {
	c := &SetUserProfile{Profile: p}
	c.initAck(KindSetUserProfile, idMarker(MsgSetUserProfile))
	return c
}

func (c *SetUserProfile) Encode() []byte {
	p := c.Profile
	payload := []byte{byte(p.HeightCm)}
	payload = append(payload, codec.To16BitByte(uint16(p.WeightKg*10+0.5))...)
	payload = append(payload, byte(p.Age), byte(p.Gender), byte(p.StrideCm))
	return frame(MsgSetUserProfile, payload...)
}

// Units selects the display units on the band.
type Units struct {
	Imperial   bool
	Clock12h   bool
	Fahrenheit bool
}

// SetUnits writes the display units.
//
//	request: [0x05, 0x0F, imperial, clock12h, fahrenheit]
type SetUnits struct {
	ack
	Units Units
}

func NewSetUnits(u Units) *SetUnits {
	c := &SetUnits{Units: u}
	c.initAck(KindSetUnits, idMarker(MsgSetUnits))
	return c
}

func (c *SetUnits) Encode() []byte {
	u := c.Units
	return frame(MsgSetUnits, boolByte(u.Imperial), boolByte(u.Clock12h), boolByte(u.Fahrenheit))
}

// SetHeartRateMonitoring toggles periodic heart-rate sampling.
//
//	request: [0x04, 0x10, enabled, interval minutes]
type SetHeartRateMonitoring struct {
	ack
	Enabled  bool
	Interval int
}

func NewSetHeartRateMonitoring(enabled bool, intervalMinutes int) *SetHeartRateMonitoring {
	c := &SetHeartRateMonitoring{Enabled: enabled, Interval: intervalMinutes}
	c.initAck(KindSetHeartRateMonitoring, idMarker(MsgSetHeartRateMonitoring))
	return c
}

func (c *SetHeartRateMonitoring) Encode() []byte {
	return frame(MsgSetHeartRateMonitoring, boolByte(c.Enabled), byte(c.Interval))
}

// SetWristWake toggles raise-to-wake.
type SetWristWake struct {
	ack
	Enabled bool
}

func NewSetWristWake(enabled bool) *SetWristWake {
	c := &SetWristWake{Enabled: enabled}
	c.initAck(KindSetWristWake, idMarker(MsgSetWristWake))
	return c
}

func (c *SetWristWake) Encode() []byte {
	return frame(MsgSetWristWake, boolByte(c.Enabled))
}

// SetCameraMode puts the band in or out of remote-shutter mode. While in
// camera mode the band emits unsolicited shutter events.
type SetCameraMode struct {
	ack
	Enter bool
}

func NewSetCameraMode(enter bool) *SetCameraMode {
	c := &SetCameraMode{Enter: enter}
	c.initAck(KindSetCameraMode, idMarker(MsgSetCameraMode))
	return c
}

func (c *SetCameraMode) Encode() []byte {
	return frame(MsgSetCameraMode, boolByte(c.Enter))
}

// App identifies the source of a pushed message.
type App byte

const (
	AppOther App = iota
	AppCall
	AppSMS
	AppEmail
	AppChat
)

// MaxMessageBytes bounds the text of a pushed message.
const MaxMessageBytes = 64

// PushMessage shows a message on the band.
//
//	request: [len, 0x15, app, text...]
type PushMessage struct {
	ack
	App  App
	Text string
}

// NewPushMessage truncates text to MaxMessageBytes on a rune boundary.
func NewPushMessage(app App, text string) *PushMessage {
	if len(text) > MaxMessageBytes {
		cut := MaxMessageBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	c := &PushMessage{App: app, Text: text}
	c.initAck(KindPushMessage, idMarker(MsgPushMessage))
	return c
}

func (c *PushMessage) Encode() []byte {
	payload := append([]byte{byte(c.App)}, c.Text...)
	return frame(MsgPushMessage, payload...)
}

// Condition is a weather icon code.
type Condition byte

const (
	ConditionSunny Condition = iota
	ConditionCloudy
	ConditionRain
	ConditionSnow
	ConditionStorm
	ConditionFog
)

// Weather is today's forecast shown on the band.
type Weather struct {
	Condition Condition
	TempC     int
	MinC      int
	MaxC      int
	Humidity  int
}

// SetWeather pushes the forecast. Temperatures are signed bytes.
//
//	request: [0x07, 0x16, condition, temp, min, max, humidity]
type SetWeather struct {
	ack
	Weather Weather
}

func NewSetWeather(w Weather) *SetWeather {
	c := &SetWeather{Weather: w}
	c.initAck(KindSetWeather, idMarker(MsgSetWeather))
	return c
}

func (c *SetWeather) Encode() []byte {
	w := c.Weather
	return frame(MsgSetWeather,
		byte(w.Condition), byte(int8(w.TempC)), byte(int8(w.MinC)), byte(int8(w.MaxC)), byte(w.Humidity))
}
