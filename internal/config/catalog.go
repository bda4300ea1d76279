package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/bandlink/internal/ble"
)

// Pairing modes.
const (
	PairingNone = "none"
	PairingPIN  = "pin"
)

// Characteristic describes one GATT characteristic a product exposes.
type Characteristic struct {
	Name     string `yaml:"name"`
	UUID     UUID   `yaml:"uuid"`
	Write    bool   `yaml:"write,omitempty"`
	Notify   bool   `yaml:"notify,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// Product is one band model in the catalog.
type Product struct {
	Code                 string           `yaml:"code"`
	Name                 string           `yaml:"name"`
	NamePrefixes         []string         `yaml:"name_prefixes"`
	Service              UUID             `yaml:"service"`
	Characteristics      []Characteristic `yaml:"characteristics"`
	MTU                  int              `yaml:"mtu,omitempty"`
	Pairing              string           `yaml:"pairing"`
	ConnectTimeout       time.Duration    `yaml:"connect_timeout,omitempty"`
	BondedDiscoveryDelay time.Duration    `yaml:"bonded_discovery_delay,omitempty"`
}

// Profile converts the product into the link profile the transport uses.
func (p Product) Profile() ble.Profile {
	chars := make([]ble.CharacteristicSpec, 0, len(p.Characteristics))
	for _, c := range p.Characteristics {
		chars = append(chars, ble.CharacteristicSpec{
			UUID:     uuid.UUID(c.UUID),
			Write:    c.Write,
			Notify:   c.Notify,
			Required: c.Required,
		})
	}
	return ble.Profile{
		Service:              uuid.UUID(p.Service),
		Characteristics:      chars,
		MTU:                  p.MTU,
		RequirePIN:           p.Pairing == PairingPIN,
		ConnectTimeout:       p.ConnectTimeout,
		BondedDiscoveryDelay: p.BondedDiscoveryDelay,
	}
}

func (p Product) validate() error {
	if p.Code == "" {
		return fmt.Errorf("code must not be empty")
	}
	if p.Service.IsZero() {
		return fmt.Errorf("service must be set")
	}
	var writes int
	for _, c := range p.Characteristics {
		if c.UUID.IsZero() {
			return fmt.Errorf("characteristic %q: uuid must be set", c.Name)
		}
		if c.Write {
			writes++
		}
	}
	if writes != 1 {
		return fmt.Errorf("exactly one write characteristic required, got %d", writes)
	}
	switch p.Pairing {
	case PairingNone, PairingPIN:
	default:
		return fmt.Errorf("pairing must be %q or %q, got %q", PairingNone, PairingPIN, p.Pairing)
	}
	if p.MTU != 0 && (p.MTU < ble.DefaultMTU || p.MTU > 517) {
		return fmt.Errorf("mtu must be 0 or within %d..517, got %d", ble.DefaultMTU, p.MTU)
	}
	if p.ConnectTimeout < 0 || p.BondedDiscoveryDelay < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Catalog is the list of known products, keyed by product code.
type Catalog []Product

// Validate checks every product and rejects duplicate codes.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("products must not be empty")
	}
	seen := make(map[string]bool, len(c))
	for i, p := range c {
		if err := p.validate(); err != nil {
			return fmt.Errorf("products[%d]: %w", i, err)
		}
		if seen[p.Code] {
			return fmt.Errorf("products[%d]: duplicate code %q", i, p.Code)
		}
		seen[p.Code] = true
	}
	return nil
}

// Lookup returns the product with the given code.
func (c Catalog) Lookup(code string) (Product, bool) {
	for _, p := range c {
		if strings.EqualFold(p.Code, code) {
			return p, true
		}
	}
	return Product{}, false
}

// Identify returns the product a scanned device belongs to. The advertised
// name prefix decides first; the advertised service is the fallback.
func (c Catalog) Identify(d ble.Device) (Product, bool) {
	for _, p := range c {
		for _, prefix := range p.NamePrefixes {
			if prefix != "" && strings.HasPrefix(d.Name, prefix) {
				return p, true
			}
		}
	}
	for _, p := range c {
		for _, s := range d.Services {
			if s == uuid.UUID(p.Service) {
				return p, true
			}
		}
	}
	return Product{}, false
}

// Services returns the distinct service UUIDs to scan for.
func (c Catalog) Services() []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, p := range c {
		u := uuid.UUID(p.Service)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// DefaultCatalog returns the built-in products.
func DefaultCatalog() Catalog {
	return Catalog{
		{
			Code:         "B5",
			Name:         "Band 5",
			NamePrefixes: []string{"B5", "Band5"},
			Service:      MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
			Characteristics: []Characteristic{
				{Name: "rx", UUID: MustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e"), Write: true, Required: true},
				{Name: "tx", UUID: MustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e"), Notify: true, Required: true},
			},
			Pairing: PairingNone,
		},
		{
			Code:         "B7",
			Name:         "Band 7",
			NamePrefixes: []string{"B7", "Band7"},
			Service:      MustParseUUID("fee7"),
			Characteristics: []Characteristic{
				{Name: "write", UUID: MustParseUUID("fec7"), Write: true, Required: true},
				{Name: "notify", UUID: MustParseUUID("fec8"), Notify: true, Required: true},
				{Name: "read", UUID: MustParseUUID("fec9")},
			},
			MTU:                  185,
			Pairing:              PairingPIN,
			ConnectTimeout:       15 * time.Second,
			BondedDiscoveryDelay: 1600 * time.Millisecond,
		},
	}
}
