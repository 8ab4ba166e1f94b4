// Package measurement describes the inverter values the aggregator reads:
// where each one lives on the device, how its words are decoded and how the
// raw integer is scaled before it is summed.
package measurement

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DataType is the on-wire encoding of a register value.
type DataType string

const (
	Uint16 DataType = "uint16"
	Int16  DataType = "int16"
	Uint32 DataType = "uint32"
	Int32  DataType = "int32"
)

// Words returns the number of 16-bit registers the type occupies.
func (t DataType) Words() uint16 {
	switch t {
	case Uint32, Int32:
		return 2
	default:
		return 1
	}
}

// Register is the remote holding-register location of one value.
type Register struct {
	Address uint16
	Type    DataType
}

// Quantity is the number of registers to request.
func (r Register) Quantity() uint16 {
	return r.Type.Words()
}

func (r Register) String() string {
	return fmt.Sprintf("%d/%s", r.Address, r.Type)
}

// Kind is one aggregated measurement. Its position in a Set is its output
// slot in the published register table.
type Kind struct {
	Name     string
	Register Register
	// Divisor scales the raw reading with integer division; 0 or 1 leaves
	// it unchanged.
	Divisor int64
	Unit    string
}

// Scale applies the kind's transform. Go integer division truncates toward
// zero, matching the published kWh figures.
func (k Kind) Scale(raw int64) int64 {
	if k.Divisor <= 1 {
		return raw
	}
	return raw / k.Divisor
}

// SUN2000 inverter registers.
var (
	ActivePower = Kind{
		Name:     "active_power",
		Register: Register{Address: 32080, Type: Int32},
		Unit:     "W",
	}
	AccumulatedEnergyYield = Kind{
		Name:     "accumulated_energy_yield",
		Register: Register{Address: 32106, Type: Uint32},
		Divisor:  100,
		Unit:     "kWh",
	}
)

// Set is the ordered, immutable list of kinds read every round.
type Set []Kind

// Default returns the measurement set published by the aggregator.
func Default() Set {
	return Set{ActivePower, AccumulatedEnergyYield}
}

// Names lists kind names in slot order.
func (s Set) Names() []string {
	out := make([]string, len(s))
	for i, k := range s {
		out[i] = k.Name
	}
	return out
}

// Lookup finds a kind by name, ignoring case.
func (s Set) Lookup(name string) (int, bool) {
	for i, k := range s {
		if strings.EqualFold(k.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// Decode converts big-endian register bytes into an integer according to t.
// It fails when data is shorter than the type requires.
func Decode(data []byte, t DataType) (int64, error) {
	need := int(t.Words()) * 2
	if len(data) < need {
		return 0, fmt.Errorf("need %d bytes for %s, got %d", need, t, len(data))
	}
	switch t {
	case Uint16:
		return int64(binary.BigEndian.Uint16(data)), nil
	case Int16:
		return int64(int16(binary.BigEndian.Uint16(data))), nil
	case Uint32:
		return int64(binary.BigEndian.Uint32(data)), nil
	case Int32:
		return int64(int32(binary.BigEndian.Uint32(data))), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", t)
	}
}
