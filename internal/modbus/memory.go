package modbus

import (
	"fmt"
	"sync"
)

// Memory is a sparse holding-register bank for simulated devices. Unset
// addresses read as illegal data address, like a device without that register.
type Memory struct {
	mu    sync.RWMutex
	words map[uint16]uint16
}

// NewMemory returns an empty bank.
func NewMemory() *Memory {
	return &Memory{words: make(map[uint16]uint16)}
}

// SetHoldingRegister stores one word.
func (m *Memory) SetHoldingRegister(address, value uint16) {
	m.mu.Lock()
	m.words[address] = value
	m.mu.Unlock()
}

// SetUint32 stores v in two registers starting at address, high word first.
func (m *Memory) SetUint32(address uint16, v uint32) error {
	if address == 0xFFFF {
		return ErrAddrOutOfRange(address)
	}
	m.mu.Lock()
	m.words[address] = uint16(v >> 16)
	m.words[address+1] = uint16(v)
	m.mu.Unlock()
	return nil
}

// SetInt32 stores a signed value as its two's complement.
func (m *Memory) SetInt32(address uint16, v int32) error {
	return m.SetUint32(address, uint32(v))
}

// Delete removes a range, making it unreadable.
func (m *Memory) Delete(address, qty uint16) {
	m.mu.Lock()
	for i := 0; i < int(qty); i++ {
		delete(m.words, address+uint16(i))
	}
	m.mu.Unlock()
}

// ReadHoldingRegisters implements RegisterSource. Every address in the range
// must be set.
func (m *Memory) ReadHoldingRegisters(start, qty uint16) ([]uint16, error) {
	if int(start)+int(qty) > 0x10000 {
		return nil, ErrAddrOutOfRange(start)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, qty)
	for i := range out {
		v, ok := m.words[start+uint16(i)]
		if !ok {
			return nil, ErrAddrOutOfRange(start + uint16(i))
		}
		out[i] = v
	}
	return out, nil
}

// ErrAddrOutOfRange reports a register address that is not backed by the
// source. The server answers it with illegal data address.
func ErrAddrOutOfRange(addr uint16) error {
	return fmt.Errorf("address %d out of range", addr)
}
