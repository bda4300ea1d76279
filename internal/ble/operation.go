package ble

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDisconnected completes every queued and in-flight operation when the
	// link goes down.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrTimeout is reported when an operation's watchdog expires.
	ErrTimeout = errors.New("ble: operation timed out")
	// ErrRetriesExhausted is reported when an operation failed MaxTries times.
	ErrRetriesExhausted = errors.New("ble: retries exhausted")
	// ErrBondFailed is reported when bonding was required and did not succeed.
	ErrBondFailed = errors.New("ble: bonding failed")
	// ErrNotConnected is returned when work is submitted to a link that is
	// down or going down.
	ErrNotConnected = errors.New("ble: not connected")
)

// OpKind identifies what an Operation does on the link.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	// OpCommand is a write whose completion is driven by the response
	// notifications rather than the write acknowledgement.
	OpCommand
	OpEnableNotify
	OpReadRSSI
	OpRequestMTU
	OpCreateBond
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCommand:
		return "command"
	case OpEnableNotify:
		return "enable_notify"
	case OpReadRSSI:
		return "read_rssi"
	case OpRequestMTU:
		return "request_mtu"
	case OpCreateBond:
		return "create_bond"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// CommandState tracks an in-flight operation.
type CommandState int

const (
	InProgress CommandState = iota
	Retry
	Executed
	Receiving
	Unknown
	Received
)

func (s CommandState) String() string {
	switch s {
	case InProgress:
		return "in_progress"
	case Retry:
		return "retry"
	case Executed:
		return "executed"
	case Receiving:
		return "receiving"
	case Unknown:
		return "unknown"
	case Received:
		return "received"
	default:
		return fmt.Sprintf("CommandState(%d)", int(s))
	}
}

// CommandStatus describes the operation currently in flight.
type CommandStatus struct {
	Key   uuid.UUID
	Kind  OpKind
	State CommandState
}

// Result is delivered to Operation.OnComplete exactly once.
type Result struct {
	State CommandState
	Value []byte // OpRead
	RSSI  int    // OpReadRSSI
	MTU   int    // OpRequestMTU
	Err   error
}

// Operation is one unit of work on the link queue.
type Operation struct {
	Kind           OpKind
	Service        uuid.UUID // defaults to the profile service
	Characteristic uuid.UUID // defaults to the profile write characteristic for writes
	Data           []byte
	Enable         bool // OpEnableNotify
	MTU            int  // OpRequestMTU
	Key            uuid.UUID
	Timeout        time.Duration // overrides the per-kind watchdog when > 0
	OnComplete     func(Result)

	tries     int
	bondTried bool
	setup     bool
	frags     [][]byte
	frag      int
}

// fragment splits data into chunks of at most size bytes.
func fragment(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 1
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
