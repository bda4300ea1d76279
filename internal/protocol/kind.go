package protocol

import "fmt"

// Kind identifies a command variant.
type Kind int

const (
	KindGetTime Kind = iota
	KindSetTime
	KindGetDeviceInfo
	KindGetBattery
	KindGetDeviceStatus
	KindSetStepsTarget
	KindGetStepsTarget
	KindSetAlarms
	KindGetAlarms
	KindSetDoNotDisturb
	KindGetDoNotDisturb
	KindSetSedentaryReminder
	KindGetSedentaryReminder
	KindSetUserProfile
	KindSetUnits
	KindSetHeartRateMonitoring
	KindGetHeartRate
	KindSetWristWake
	KindSetCameraMode
	KindReboot
	KindPushMessage
	KindSetWeather
	KindFindBand
	KindFactoryReset
	KindGetExerciseRecords
	KindGetDailyRecords

	kindCount
)

// Message ids of framed commands.
const (
	MsgGetTime                byte = 0x01
	MsgSetTime                byte = 0x02
	MsgGetDeviceInfo          byte = 0x03
	MsgGetBattery             byte = 0x04
	MsgGetDeviceStatus        byte = 0x05
	MsgSetStepsTarget         byte = 0x06
	MsgGetStepsTarget         byte = 0x07
	MsgSetAlarms              byte = 0x08
	MsgGetAlarms              byte = 0x09
	MsgSetDoNotDisturb        byte = 0x0A
	MsgGetDoNotDisturb        byte = 0x0B
	MsgSetSedentaryReminder   byte = 0x0C
	MsgGetSedentaryReminder   byte = 0x0D
	MsgSetUserProfile         byte = 0x0E
	MsgSetUnits               byte = 0x0F
	MsgSetHeartRateMonitoring byte = 0x10
	MsgGetHeartRate           byte = 0x11
	MsgSetWristWake           byte = 0x12
	MsgSetCameraMode          byte = 0x13
	MsgReboot                 byte = 0x14
	MsgPushMessage            byte = 0x15
	MsgSetWeather             byte = 0x16
	MsgGetExerciseRecords     byte = 0x2A
	MsgGetDailyRecords        byte = 0x2B
)

var kindNames = [...]string{
	KindGetTime:                "get_time",
	KindSetTime:                "set_time",
	KindGetDeviceInfo:          "get_device_info",
	KindGetBattery:             "get_battery",
	KindGetDeviceStatus:        "get_device_status",
	KindSetStepsTarget:         "set_steps_target",
	KindGetStepsTarget:         "get_steps_target",
	KindSetAlarms:              "set_alarms",
	KindGetAlarms:              "get_alarms",
	KindSetDoNotDisturb:        "set_do_not_disturb",
	KindGetDoNotDisturb:        "get_do_not_disturb",
	KindSetSedentaryReminder:   "set_sedentary_reminder",
	KindGetSedentaryReminder:   "get_sedentary_reminder",
	KindSetUserProfile:         "set_user_profile",
	KindSetUnits:               "set_units",
	KindSetHeartRateMonitoring: "set_heart_rate_monitoring",
	KindGetHeartRate:           "get_heart_rate",
	KindSetWristWake:           "set_wrist_wake",
	KindSetCameraMode:          "set_camera_mode",
	KindReboot:                 "reboot",
	KindPushMessage:            "push_message",
	KindSetWeather:             "set_weather",
	KindFindBand:               "find_band",
	KindFactoryReset:           "factory_reset",
	KindGetExerciseRecords:     "get_exercise_records",
	KindGetDailyRecords:        "get_daily_records",
}

// Adding a Kind without a name (or a name without a Kind) fails to compile.
var _ = [1]struct{}{}[len(kindNames)-int(kindCount)]

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every command variant.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// prototypes builds a default instance of each variant. It backs New and is
// checked against Kinds by the package tests so that no variant is missing.
var prototypes = [kindCount]func() Command{
	KindGetTime:                func() Command { return NewGetTime(nil) },
	KindSetTime:                func() Command { return NewSetTime(timeNow()) },
	KindGetDeviceInfo:          func() Command { return NewGetDeviceInfo() },
	KindGetBattery:             func() Command { return NewGetBattery() },
	KindGetDeviceStatus:        func() Command { return NewGetDeviceStatus() },
	KindSetStepsTarget:         func() Command { return NewSetStepsTarget(10000) },
	KindGetStepsTarget:         func() Command { return NewGetStepsTarget() },
	KindSetAlarms:              func() Command { c, _ := NewSetAlarms(nil); return c },
	KindGetAlarms:              func() Command { return NewGetAlarms() },
	KindSetDoNotDisturb:        func() Command { return NewSetDoNotDisturb(DNDWindow{}) },
	KindGetDoNotDisturb:        func() Command { return NewGetDoNotDisturb() },
	KindSetSedentaryReminder:   func() Command { return NewSetSedentaryReminder(SedentaryReminder{}) },
	KindGetSedentaryReminder:   func() Command { return NewGetSedentaryReminder() },
	KindSetUserProfile:         func() Command { return NewSetUserProfile(UserProfile{}) },
	KindSetUnits:               func() Command { return NewSetUnits(Units{}) },
	KindSetHeartRateMonitoring: func() Command { return NewSetHeartRateMonitoring(false, 0) },
	KindGetHeartRate:           func() Command { return NewGetHeartRate() },
	KindSetWristWake:           func() Command { return NewSetWristWake(false) },
	KindSetCameraMode:          func() Command { return NewSetCameraMode(false) },
	KindReboot:                 func() Command { return NewReboot() },
	KindPushMessage:            func() Command { return NewPushMessage(AppOther, "") },
	KindSetWeather:             func() Command { return NewSetWeather(Weather{}) },
	KindFindBand:               func() Command { return NewFindBand() },
	KindFactoryReset:           func() Command { return NewFactoryReset() },
	KindGetExerciseRecords:     func() Command { c, _ := NewGetExerciseRecords(0); return c },
	KindGetDailyRecords:        func() Command { c, _ := NewGetDailyRecords(0); return c },
}

// New returns a default-valued command of the given kind, or nil for an
// unknown kind.
func New(k Kind) Command {
	if k < 0 || k >= kindCount || prototypes[k] == nil {
		return nil
	}
	return prototypes[k]()
}
