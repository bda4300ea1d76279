package protocol

import (
	"fmt"
	"time"

	"github.com/chaz8081/bandlink/internal/codec"
)

// MaxRecordIndex is the largest workout index or day offset a download
// request can carry.
const MaxRecordIndex = 255

// HeaderBlockSize is the size of each of the two header blocks that open a
// reassembled record stream.
const HeaderBlockSize = 20

// records drives a multi-packet download. Data packets start with PacketMore
// or PacketLast; the first one starts the sequence counter. A [0x02, id]
// reply means the band holds no records.
type records[T any] struct {
	base[*T]
	id    byte
	index byte
	seq   int
	buf   *Reassembler
	parse func([]byte) *T
}

func (c *records[T]) initRecords(kind Kind, id, index byte, parse func([]byte) *T) {
	c.init(kind)
	c.id = id
	c.index = index
	c.buf = NewReassembler()
	c.parse = parse
}

func (c *records[T]) Encode() []byte { return frame(c.id, c.index) }

func (c *records[T]) Check(data []byte) ResponseStatus {
	if c.Done() || len(data) == 0 {
		return Incompatible
	}
	if c.seq == 0 && len(data) >= 2 && data[0] == 0x02 && data[1] == c.id {
		c.resolve(nil, nil)
		return Completed
	}
	if data[0] != PacketMore && data[0] != PacketLast {
		return Incompatible
	}
	if len(data) < 2 {
		c.buf.Reset()
		c.resolve(nil, ErrInvalidLength)
		return InvalidDataLength
	}
	c.seq++
	if !c.buf.Add(c.seq, data) {
		return Incomplete
	}
	stream := c.buf.Bytes()
	c.buf.Reset()
	// A stream that cannot hold both header blocks yields no record and no
	// error; callers cannot tell it apart from an empty download.
	c.resolve(c.parse(stream), nil)
	return Completed
}

// Failed drops any partial download and resolves ErrFailed.
func (c *records[T]) Failed() {
	c.buf.Reset()
	c.base.Failed()
}

// Sport is the exercise type recorded by the band.
type Sport byte

const (
	SportWalk Sport = iota
	SportRun
	SportCycle
	SportSwim
	SportWorkout
)

// ExerciseRecord is one recorded workout.
type ExerciseRecord struct {
	Start       time.Time
	End         time.Time
	Sport       Sport
	Duration    time.Duration
	AvgHR       int
	MaxHR       int
	MinHR       int
	Steps       uint32
	Calories    uint32 // small calories
	DistanceM   uint32
	PaceSecKm   int
	SampleEvery time.Duration
	HeartRates  []int // one per sample; 0 means no reading
}

// GetExerciseRecords downloads the workout at index (0 = most recent).
//
// Stream layout after reassembly:
//
//	block 1: start(4, packed), end(4, packed), sport, duration s(3, LE), avg/max/min HR, 5 reserved
//	block 2: steps(4, LE), calories(4, LE), distance m(4, LE), pace s/km(2, LE), sample interval s, 5 reserved
//	body:    heart-rate samples, one byte each
type GetExerciseRecords struct {
	records[ExerciseRecord]
	loc *time.Location
}

func NewGetExerciseRecords(index int) (*GetExerciseRecords, error) {
	if index < 0 || index > MaxRecordIndex {
		return nil, fmt.Errorf("protocol: exercise index %d out of range 0-%d", index, MaxRecordIndex)
	}
	c := &GetExerciseRecords{loc: time.Local}
	c.initRecords(KindGetExerciseRecords, MsgGetExerciseRecords, byte(index), c.parseStream)
	return c, nil
}

func (c *GetExerciseRecords) parseStream(b []byte) *ExerciseRecord {
	return ParseExerciseRecord(b, c.loc)
}

// ParseExerciseRecord decodes a reassembled exercise stream. It returns nil
// when the stream is shorter than the two header blocks or the dates are
// unreadable.
func ParseExerciseRecord(b []byte, loc *time.Location) *ExerciseRecord {
	if len(b) < 2*HeaderBlockSize {
		return nil
	}
	h1, h2, body := b[:HeaderBlockSize], b[HeaderBlockSize:2*HeaderBlockSize], b[2*HeaderBlockSize:]
	start, err := codec.UnpackDate(h1[0:4], loc)
	if err != nil {
		return nil
	}
	end, err := codec.UnpackDate(h1[4:8], loc)
	if err != nil {
		return nil
	}
	rec := &ExerciseRecord{
		Start:       start,
		End:         end,
		Sport:       Sport(h1[8]),
		Duration:    time.Duration(codec.LittleEndian(h1[9:12])) * time.Second,
		AvgHR:       int(h1[12]),
		MaxHR:       int(h1[13]),
		MinHR:       int(h1[14]),
		Steps:       codec.LittleEndian(h2[0:4]),
		Calories:    codec.LittleEndian(h2[4:8]),
		DistanceM:   codec.LittleEndian(h2[8:12]),
		PaceSecKm:   int(codec.LittleEndian(h2[12:14])),
		SampleEvery: time.Duration(h2[14]) * time.Second,
	}
	if len(body) > 0 {
		rec.HeartRates = make([]int, len(body))
		for i, v := range body {
			rec.HeartRates[i] = int(v)
		}
	}
	return rec
}

// SlotsPerDay is the number of half-hour activity slots in a day.
const SlotsPerDay = 48

// slotMarker opens an activity slot in the daily stream.
const slotMarker = 0xFF

// ActivitySlot is the step count of one half-hour slot.
type ActivitySlot struct {
	Index int // 0 = 00:00-00:30
	Steps int
}

// DailyRecord is one day of activity and the sleep that ended on it.
type DailyRecord struct {
	Date          time.Time
	Steps         uint32
	Calories      uint32
	DistanceM     uint32
	ActiveMinutes int
	SleepStart    time.Time
	SleepEnd      time.Time
	DeepSleep     time.Duration
	LightSleep    time.Duration
	Awake         time.Duration
	Slots         []ActivitySlot
}

// GetDailyRecords downloads the day dayOffset days ago (0 = today).
//
// Stream layout after reassembly:
//
//	block 1: date(4, packed), steps(4, LE), calories(4, LE), distance m(4, LE), active min(2, LE), 2 reserved
//	block 2: sleep start(4, packed), sleep end(4, packed), deep/light/awake min(2, LE each), 6 reserved
//	body:    slots [0xFF, index, steps(2, LE)] separated by zero padding
type GetDailyRecords struct {
	records[DailyRecord]
	loc *time.Location
}

func NewGetDailyRecords(dayOffset int) (*GetDailyRecords, error) {
	if dayOffset < 0 || dayOffset > MaxRecordIndex {
		return nil, fmt.Errorf("protocol: day offset %d out of range 0-%d", dayOffset, MaxRecordIndex)
	}
	c := &GetDailyRecords{loc: time.Local}
	c.initRecords(KindGetDailyRecords, MsgGetDailyRecords, byte(dayOffset), c.parseStream)
	return c, nil
}

func (c *GetDailyRecords) parseStream(b []byte) *DailyRecord {
	return ParseDailyRecord(b, c.loc)
}

// ParseDailyRecord decodes a reassembled daily stream. It returns nil when
// the stream is shorter than the two header blocks or the day is unreadable.
// A missing sleep period leaves SleepStart and SleepEnd zero.
func ParseDailyRecord(b []byte, loc *time.Location) *DailyRecord {
	if len(b) < 2*HeaderBlockSize {
		return nil
	}
	h1, h2, body := b[:HeaderBlockSize], b[HeaderBlockSize:2*HeaderBlockSize], b[2*HeaderBlockSize:]
	date, err := codec.UnpackDate(h1[0:4], loc)
	if err != nil {
		return nil
	}
	rec := &DailyRecord{
		Date:          date,
		Steps:         codec.LittleEndian(h1[4:8]),
		Calories:      codec.LittleEndian(h1[8:12]),
		DistanceM:     codec.LittleEndian(h1[12:16]),
		ActiveMinutes: int(codec.LittleEndian(h1[16:18])),
		DeepSleep:     time.Duration(codec.LittleEndian(h2[8:10])) * time.Minute,
		LightSleep:    time.Duration(codec.LittleEndian(h2[10:12])) * time.Minute,
		Awake:         time.Duration(codec.LittleEndian(h2[12:14])) * time.Minute,
	}
	if t, err := codec.UnpackDate(h2[0:4], loc); err == nil {
		rec.SleepStart = t
	}
	if t, err := codec.UnpackDate(h2[4:8], loc); err == nil {
		rec.SleepEnd = t
	}
	rec.Slots = parseSlots(body)
	return rec
}

// parseSlots walks body with a cursor. Bytes outside a slot are padding; a
// slot cut short by the end of the stream or with an out-of-range index is
// skipped.
func parseSlots(body []byte) []ActivitySlot {
	var slots []ActivitySlot
	for i := 0; i < len(body); {
		if body[i] != slotMarker {
			i++
			continue
		}
		if i+4 > len(body) {
			break
		}
		index := int(body[i+1])
		if index >= SlotsPerDay {
			i++
			continue
		}
		slots = append(slots, ActivitySlot{
			Index: index,
			Steps: int(codec.LittleEndian(body[i+2 : i+4])),
		})
		i += 4
	}
	return slots
}
