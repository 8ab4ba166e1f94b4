package collector

import (
	"sync"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/measurement"
)

// fakeDevice serves values by register address. Addresses listed in fail
// return a read error; a failing read also drops the connection.
type fakeDevice struct {
	mu          sync.Mutex
	values      map[uint16]int64
	fail        map[uint16]bool
	connected   bool
	connectErr  error
	connects    int
	disconnects int
	reads       int
}

func newFakeDevice(power, yield int64) *fakeDevice {
	return &fakeDevice{
		values: map[uint16]int64{
			measurement.ActivePower.Register.Address:            power,
			measurement.AccumulatedEnergyYield.Register.Address: yield,
		},
		fail:      map[uint16]bool{},
		connected: true,
	}
}

func (f *fakeDevice) set(power, yield int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[measurement.ActivePower.Register.Address] = power
	f.values[measurement.AccumulatedEnergyYield.Register.Address] = yield
}

func (f *fakeDevice) failAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[measurement.ActivePower.Register.Address] = fail
	f.fail[measurement.AccumulatedEnergyYield.Register.Address] = fail
}

func (f *fakeDevice) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		f.connected = false
		return apperrors.Wrap(apperrors.ErrConnection, f.connectErr)
	}
	f.connected = true
	return nil
}

func (f *fakeDevice) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeDevice) ReadValue(reg measurement.Register) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail[reg.Address] {
		f.connected = false
		return 0, apperrors.Newf(apperrors.ErrRead, "read %s", reg)
	}
	v, ok := f.values[reg.Address]
	if !ok {
		return 0, apperrors.New(apperrors.ErrNoValue)
	}
	return v, nil
}

func (f *fakeDevice) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDevice) counts() (connects, disconnects, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.reads
}
