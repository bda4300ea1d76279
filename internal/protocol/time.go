package protocol

import (
	"fmt"
	"time"

	"github.com/chaz8081/bandlink/internal/codec"
)

var timeNow = time.Now

// GetTime reads the band clock.
//
//	request:  [0x02, 0x01]
//	response: [0x08, 0x01, year-2000, month, day, hour, minute, second]
type GetTime struct {
	base[time.Time]
	loc *time.Location
}

// NewGetTime returns a GetTime that interprets the band clock in loc
// (time.Local when nil).
func NewGetTime(loc *time.Location) *GetTime {
	if loc == nil {
		loc = time.Local
	}
	c := &GetTime{loc: loc}
	c.init(KindGetTime)
	return c
}

func (c *GetTime) Encode() []byte { return frame(MsgGetTime) }

func (c *GetTime) Check(data []byte) ResponseStatus {
	status, ok := c.precheck(data, 8, idMarker(MsgGetTime))
	if !ok {
		return status
	}
	t, err := codec.DecodeDate(data[2:8], c.loc)
	if err != nil {
		c.resolve(time.Time{}, fmt.Errorf("protocol: get time: %w", err))
		return Completed
	}
	c.resolve(t, nil)
	return Completed
}

// SetTime writes the band clock.
//
//	request: [0x09, 0x02, year-2000, month, day, hour, minute, second, weekday]
type SetTime struct {
	ack
	Time time.Time
}

// NewSetTime returns a SetTime for t.
func NewSetTime(t time.Time) *SetTime {
	c := &SetTime{Time: t}
	c.initAck(KindSetTime, idMarker(MsgSetTime))
	return c
}

func (c *SetTime) Encode() []byte {
	payload := append(codec.EncodeDate(c.Time), byte(c.Time.Weekday()))
	return frame(MsgSetTime, payload...)
}
