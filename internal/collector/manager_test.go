package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/model"
	"github.com/leggler/PV-Aggregator/internal/registers"
)

func newTestManager(mode HealthMode, devs ...*fakeDevice) *Manager {
	kinds := measurement.Default()
	return &Manager{
		Engine:     newTestEngine(EngineOptions{}, devs...),
		Kinds:      kinds,
		Table:      registers.NewTable(len(kinds)),
		Interval:   time.Millisecond,
		HealthMode: mode,
		Log:        zerolog.Nop(),
	}
}

// Device B's last good values come from an earlier round where it read
// active_power=50 and a raw yield of 2000 (20 kWh).
func TestTwoDeviceScenario(t *testing.T) {
	ctx := context.Background()
	a := newFakeDevice(90, 4000)
	b := newFakeDevice(50, 2000)
	m := newTestManager(HealthFreshReads, a, b)

	_, err := m.RunOnce(ctx)
	require.NoError(t, err)

	a.set(100, 5000)
	b.failAll(true)
	round, err := m.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{150, 70}, round.Aggregate.Sums)
	assert.Equal(t, 2, round.Aggregate.Health)

	words := m.Table.Snapshot()
	assert.Equal(t, uint32(150), registers.Sum(words, 0))
	assert.Equal(t, uint32(70), registers.Sum(words, 1))
	assert.Equal(t, uint16(2), registers.Health(words))
	assert.Equal(t, uint64(2), round.FailedReadings)
	assert.Equal(t, uint64(2), round.Seq)
}

func TestConnectedDevicesHealth(t *testing.T) {
	a := newFakeDevice(100, 5000)
	b := newFakeDevice(50, 2000)
	b.failAll(true)
	b.connectErr = errors.New("unreachable")
	m := newTestManager(HealthConnectedDevices, a, b)

	round, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, round.Aggregate.Health)
	assert.Equal(t, uint16(1), registers.Health(m.Table.Snapshot()))
}

func TestAllFailRoundIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newFakeDevice(100, 5000)
	b := newFakeDevice(-20, 2000)
	m := newTestManager(HealthFreshReads, a, b)

	first, err := m.RunOnce(ctx)
	require.NoError(t, err)

	a.failAll(true)
	b.failAll(true)
	second, err := m.RunOnce(ctx)
	require.NoError(t, err)
	third, err := m.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Aggregate.Sums, second.Aggregate.Sums)
	assert.Equal(t, second.Aggregate.Sums, third.Aggregate.Sums)
	assert.Equal(t, 4, first.Aggregate.Health)
	assert.Zero(t, second.Aggregate.Health)
	assert.Equal(t, first.Registers[:4], third.Registers[:4])
}

func TestAggregateIncludesFallbackZeros(t *testing.T) {
	devices := []model.DeviceRound{
		{Values: []int64{100, 50}, Fresh: []bool{true, true}, Connected: true},
		{Values: []int64{0, 0}, Fresh: []bool{false, false}},
	}
	agg := Aggregate(devices, 2, HealthFreshReads)
	assert.Equal(t, []int64{100, 50}, agg.Sums)
	assert.Equal(t, 2, agg.Health)

	agg = Aggregate(devices, 2, HealthConnectedDevices)
	assert.Equal(t, 1, agg.Health)
}

func TestParseHealthMode(t *testing.T) {
	mode, err := ParseHealthMode("")
	require.NoError(t, err)
	assert.Equal(t, HealthFreshReads, mode)

	mode, err = ParseHealthMode("Connected_Devices")
	require.NoError(t, err)
	assert.Equal(t, HealthConnectedDevices, mode)

	_, err = ParseHealthMode("pairs")
	assert.Error(t, err)
}

func TestRunStopsBetweenRoundsAndHandlersSeeEveryRound(t *testing.T) {
	a := newFakeDevice(1, 100)
	m := newTestManager(HealthFreshReads, a)

	var mu sync.Mutex
	var seqs []uint64
	ctx, cancel := context.WithCancel(context.Background())
	m.AddHandler(func(_ context.Context, r model.Round) error {
		return errors.New("handler errors are only logged")
	})
	m.AddHandler(func(_ context.Context, r model.Round) error {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, r.Seq)
		if len(seqs) == 3 {
			cancel()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestRunReturnsImmediatelyWhenCancelled(t *testing.T) {
	a := newFakeDevice(1, 100)
	m := newTestManager(HealthFreshReads, a)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Run(ctx))
	_, _, reads := a.counts()
	assert.Zero(t, reads)
}

func TestRunOnceRejectsMismatchedTable(t *testing.T) {
	m := newTestManager(HealthFreshReads, newFakeDevice(1, 1))
	m.Table = registers.NewTable(3)
	_, err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, registers.ErrSizeMismatch))
}
