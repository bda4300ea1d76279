// Package ble manages the Bluetooth Low Energy link to a single fitness band.
// It owns the connect/bond/discovery state machine and a strictly ordered
// queue of GATT operations, and hands raw notification bytes up to the
// protocol layer.
package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a GATT or link-layer status code as reported by the platform.
type Status int

const (
	StatusSuccess                    Status = 0x00
	StatusReadNotPermitted           Status = 0x02
	StatusWriteNotPermitted          Status = 0x03
	StatusInsufficientAuthentication Status = 0x05
	StatusConnectionTimeout          Status = 0x08
	StatusInsufficientEncryption     Status = 0x0F
	StatusRemoteDisconnect           Status = 0x13
	StatusLocalDisconnect            Status = 0x16
	StatusError                      Status = 0x85
	StatusAuthFail                   Status = 0x89

	// Link-manager statuses that never come from the platform.
	StatusMissingCharacteristic Status = 0x1000
	StatusBondFailed            Status = 0x1001
	StatusNotifyFailed          Status = 0x1002
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read_not_permitted"
	case StatusWriteNotPermitted:
		return "write_not_permitted"
	case StatusInsufficientAuthentication:
		return "insufficient_authentication"
	case StatusConnectionTimeout:
		return "connection_timeout"
	case StatusInsufficientEncryption:
		return "insufficient_encryption"
	case StatusRemoteDisconnect:
		return "remote_disconnect"
	case StatusLocalDisconnect:
		return "local_disconnect"
	case StatusError:
		return "gatt_error"
	case StatusAuthFail:
		return "auth_fail"
	case StatusMissingCharacteristic:
		return "missing_characteristic"
	case StatusBondFailed:
		return "bond_failed"
	case StatusNotifyFailed:
		return "notify_failed"
	default:
		return fmt.Sprintf("status(%#x)", int(s))
	}
}

// needsBond reports whether a failure can be cured by bonding.
func (s Status) needsBond() bool {
	return s == StatusInsufficientAuthentication || s == StatusAuthFail
}

// isDisconnect reports whether s is a link-loss reason rather than a GATT
// error.
func (s Status) isDisconnect() bool {
	switch s {
	case StatusSuccess, StatusConnectionTimeout, StatusRemoteDisconnect, StatusLocalDisconnect:
		return true
	}
	return false
}

// BondState is the OS-level pairing state of the peripheral.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return fmt.Sprintf("BondState(%d)", int(b))
	}
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	Services []uuid.UUID // advertised service UUIDs that matched the scan filter
}

// Service is a discovered GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

// CharacteristicSpec declares how the link manager treats one characteristic.
type CharacteristicSpec struct {
	UUID     uuid.UUID
	Write    bool // commands are written here
	Notify   bool // notifications are enabled during setup
	Required bool // the link is not usable without it
}

// Profile is what the link manager needs to know about a product.
type Profile struct {
	Service         uuid.UUID
	Characteristics []CharacteristicSpec
	MTU             int  // requested after discovery when > 0
	RequirePIN      bool // bond before service discovery

	// Zero values fall back to Options.
	ConnectTimeout       time.Duration
	BondedDiscoveryDelay time.Duration
}

// WriteCharacteristic returns the characteristic commands are written to.
func (p Profile) WriteCharacteristic() (uuid.UUID, bool) {
	for _, c := range p.Characteristics {
		if c.Write {
			return c.UUID, true
		}
	}
	return uuid.Nil, false
}

// GattCallback receives the asynchronous results of Gatt calls. Platform
// adapters may invoke it from any goroutine.
type GattCallback interface {
	OnConnectionStateChange(status Status, connected bool)
	OnServicesDiscovered(status Status, services []Service)
	OnCharacteristicRead(char uuid.UUID, value []byte, status Status)
	OnCharacteristicWrite(char uuid.UUID, status Status)
	OnCharacteristicChanged(char uuid.UUID, value []byte)
	OnNotificationStateChanged(char uuid.UUID, enabled bool, status Status)
	OnReadRemoteRSSI(rssi int, status Status)
	OnMTUChanged(mtu int, status Status)
	OnBondStateChanged(state BondState)
}

// Gatt is one physical link. Every call only starts the operation; a non-nil
// error means it could not be started. Completion arrives on the GattCallback.
type Gatt interface {
	DiscoverServices() error
	ReadCharacteristic(service, char uuid.UUID) error
	WriteCharacteristic(service, char uuid.UUID, data []byte) error
	SetNotification(service, char uuid.UUID, enable bool) error
	ReadRemoteRSSI() error
	RequestMTU(mtu int) error
	BondState() BondState
	CreateBond() error
	Disconnect() error
	// Close releases the link. No callbacks fire afterwards.
	Close() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising any of the given services (all
	// peripherals when services is empty) until ctx is done.
	Scan(ctx context.Context, services []uuid.UUID) ([]Device, error)
	// Connect starts connecting to address. The outcome is reported through
	// cb.OnConnectionStateChange.
	Connect(address string, cb GattCallback) (Gatt, error)
}
