package protocol

import (
	"fmt"
	"strings"

	"github.com/chaz8081/bandlink/internal/codec"
)

// DeviceInfo describes the band firmware and hardware.
type DeviceInfo struct {
	Firmware         string
	HardwareRevision int
	Serial           uint32
}

// GetDeviceInfo reads firmware version, hardware revision and serial.
//
//	response: [0x0A, 0x03, fwMajor, fwMinor, fwPatch, hwRev, serial(4, big-endian)]
type GetDeviceInfo struct {
	base[DeviceInfo]
}

func NewGetDeviceInfo() *GetDeviceInfo {
	c := &GetDeviceInfo{}
	c.init(KindGetDeviceInfo)
	return c
}

func (c *GetDeviceInfo) Encode() []byte { return frame(MsgGetDeviceInfo) }

func (c *GetDeviceInfo) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 10, idMarker(MsgGetDeviceInfo))
	if !ok {
		return status
	}
	c.resolve(DeviceInfo{
		Firmware:         fmt.Sprintf("%d.%d.%d", data[2], data[3], data[4]),
		HardwareRevision: int(data[5]),
		Serial:           codec.BigEndian(data[6:10]),
	}, nil)
	return Completed
}

// Battery is the band's battery state.
type Battery struct {
	Level    int // percent
	Charging bool
}

// GetBattery reads the battery level.
//
//	response: [0x04, 0x04, level, charging]
type GetBattery struct {
	base[Battery]
}

func NewGetBattery() *GetBattery {
	c := &GetBattery{}
	c.init(KindGetBattery)
	return c
}

func (c *GetBattery) Encode() []byte { return frame(MsgGetBattery) }

func (c *GetBattery) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 4, idMarker(MsgGetBattery))
	if !ok {
		return status
	}
	level := int(data[2])
	if level > 100 {
		level = 100
	}
	c.resolve(Battery{Level: level, Charging: data[3] != 0}, nil)
	return Completed
}

// Hardware status bits, least significant first.
const (
	StatusBitHeartRateSensor = 0
	StatusBitAccelerometer   = 1
	StatusBitFlash           = 2
)

// DeviceStatus is the self-test result of the band's hardware subsystems.
// A set bit means the subsystem is healthy.
type DeviceStatus struct {
	HeartRateSensorOK bool
	AccelerometerOK   bool
	FlashOK           bool
}

// Healthy reports whether every subsystem passed.
func (s DeviceStatus) Healthy() bool {
	return s.HeartRateSensorOK && s.AccelerometerOK && s.FlashOK
}

// Faults names the failing subsystems.
func (s DeviceStatus) Faults() []string {
	var faults []string
	if !s.HeartRateSensorOK {
		faults = append(faults, "heart_rate_sensor")
	}
	if !s.AccelerometerOK {
		faults = append(faults, "accelerometer")
	}
	if !s.FlashOK {
		faults = append(faults, "flash")
	}
	return faults
}

func (s DeviceStatus) String() string {
	if s.Healthy() {
		return "healthy"
	}
	return "faults: " + strings.Join(s.Faults(), ", ")
}

// GetDeviceStatus reads the hardware self-test byte.
//
//	response: [0x03, 0x05, status]
type GetDeviceStatus struct {
	base[DeviceStatus]
}

func NewGetDeviceStatus() *GetDeviceStatus {
	c := &GetDeviceStatus{}
	c.init(KindGetDeviceStatus)
	return c
}

func (c *GetDeviceStatus) Encode() []byte { return frame(MsgGetDeviceStatus) }

func (c *GetDeviceStatus) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 3, idMarker(MsgGetDeviceStatus))
	if !ok {
		return status
	}
	flags := codec.BitFlags(data[2])
	c.resolve(DeviceStatus{
		HeartRateSensorOK: flags[StatusBitHeartRateSensor],
		AccelerometerOK:   flags[StatusBitAccelerometer],
		FlashOK:           flags[StatusBitFlash],
	}, nil)
	return Completed
}

// GetHeartRate takes a single heart-rate reading.
//
//	response: [0x03, 0x11, bpm]
type GetHeartRate struct {
	base[int]
}

func NewGetHeartRate() *GetHeartRate {
	c := &GetHeartRate{}
	c.init(KindGetHeartRate)
	return c
}

func (c *GetHeartRate) Encode() []byte { return frame(MsgGetHeartRate) }

func (c *GetHeartRate) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 3, idMarker(MsgGetHeartRate))
	if !ok {
		return status
	}
	c.resolve(int(data[2]), nil)
	return Completed
}

// Reboot restarts the band.
type Reboot struct {
	ack
}

func NewReboot() *Reboot {
	c := &Reboot{}
	c.initAck(KindReboot, idMarker(MsgReboot))
	return c
}

func (c *Reboot) Encode() []byte { return frame(MsgReboot) }

// FindBand makes the band vibrate. It uses a literal preamble instead of a
// length-prefixed frame.
//
//	request:  [0xAB, 0x01]
//	response: [0xAB, 0x01, status]
type FindBand struct {
	ack
}

func NewFindBand() *FindBand {
	c := &FindBand{}
	c.initAck(KindFindBand, marker{0, 0xAB}, marker{1, 0x01})
	return c
}

func (c *FindBand) Encode() []byte { return []byte{0xAB, 0x01} }

// FactoryReset wipes user data on the band.
//
//	request:  [0xAB, 0xFF, 0xA5, 0x5A]
//	response: [0xAB, 0xFF, status]
type FactoryReset struct {
	ack
}

func NewFactoryReset() *FactoryReset {
	c := &FactoryReset{}
	c.initAck(KindFactoryReset, marker{0, 0xAB}, marker{1, 0xFF})
	return c
}

func (c *FactoryReset) Encode() []byte { return []byte{0xAB, 0xFF, 0xA5, 0x5A} }
