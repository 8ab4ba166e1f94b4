package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leggler/PV-Aggregator/internal/measurement"
	"github.com/leggler/PV-Aggregator/internal/model"
	"github.com/leggler/PV-Aggregator/internal/registers"
)

// DefaultInterval is the pause between the end of one publish and the start
// of the next poll.
const DefaultInterval = 5 * time.Second

// RoundHandler is notified after every published round. Return an error to
// have it logged by the manager.
type RoundHandler func(ctx context.Context, r model.Round) error

// Manager runs the poll-aggregate-publish loop. Rounds never overlap.
type Manager struct {
	Engine     *Engine
	Kinds      measurement.Set
	Table      *registers.Table
	Interval   time.Duration
	HealthMode HealthMode
	Handlers   []RoundHandler
	Log        zerolog.Logger

	seq uint64
	now func() time.Time
}

// AddHandler registers a round handler. It must be called before Run.
func (m *Manager) AddHandler(h RoundHandler) {
	m.Handlers = append(m.Handlers, h)
}

// Run polls until ctx is cancelled. Cancellation is observed between rounds
// only, so a round in progress always completes and publishes.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := m.RunOnce(ctx); err != nil {
			return err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs a single round: read all pairs, aggregate, publish the
// register table and notify handlers.
func (m *Manager) RunOnce(ctx context.Context) (model.Round, error) {
	now := m.now
	if now == nil {
		now = time.Now
	}

	m.seq++
	round := model.Round{
		Seq:       m.seq,
		StartedAt: now(),
		Kinds:     m.Kinds.Names(),
	}

	round.Devices = m.Engine.ReadRound()
	round.Aggregate = Aggregate(round.Devices, len(m.Kinds), m.HealthMode)
	round.Registers = registers.Pack(round.Aggregate.Sums, round.Aggregate.Health)
	if err := m.Table.Publish(round.Registers); err != nil {
		return round, fmt.Errorf("publish round %d: %w", round.Seq, err)
	}
	round.FinishedAt = now()
	round.FailedReadings = m.Engine.FailedReadings()

	ev := m.Log.Info().Uint64("round", round.Seq)
	for k, name := range round.Kinds {
		ev = ev.Int64(name, round.Aggregate.Sums[k])
	}
	ev.Int("health", round.Aggregate.Health).
		Uint64("failed_readings", round.FailedReadings).
		Dur("took", round.FinishedAt.Sub(round.StartedAt)).
		Msg("aggregated values published")

	for _, h := range m.Handlers {
		if err := h(ctx, round); err != nil {
			m.Log.Warn().Err(err).Uint64("round", round.Seq).Msg("round handler failed")
		}
	}
	return round, nil
}
