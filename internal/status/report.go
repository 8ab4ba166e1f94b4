// Package status keeps a read-only report of the last published round and
// serves it as JSON.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/leggler/PV-Aggregator/internal/model"
)

// Value is one pair's published value and whether it was read this round.
type Value struct {
	Value   int64 `json:"value"`
	Updated bool  `json:"updated"`
}

// Status is the JSON document served at /status. Maps are keyed by inverter
// name, then measurement name.
type Status struct {
	Round          uint64                      `json:"round"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	FailedReadings uint64                      `json:"failed_readings"`
	Health         int                         `json:"health"`
	HealthMode     string                      `json:"health_mode"`
	Aggregate      map[string]int64            `json:"aggregate"`
	Inverters      map[string]map[string]Value `json:"inverters"`
	Connected      map[string]bool             `json:"connected"`
	Registers      []uint16                    `json:"registers"`
}

// Report holds the most recent round.
type Report struct {
	healthMode string

	mu   sync.RWMutex
	last *Status
}

// NewReport returns an empty report.
func NewReport(healthMode string) *Report {
	return &Report{healthMode: healthMode}
}

// Update replaces the report with round. Its signature matches the
// collector's round handler.
func (r *Report) Update(_ context.Context, round model.Round) error {
	s := build(round, r.healthMode)
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
	return nil
}

// Snapshot returns the current status; ok is false before the first round.
func (r *Report) Snapshot() (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Status{}, false
	}
	return *r.last, true
}

func build(round model.Round, healthMode string) *Status {
	s := &Status{
		Round:          round.Seq,
		UpdatedAt:      round.FinishedAt,
		FailedReadings: round.FailedReadings,
		Health:         round.Aggregate.Health,
		HealthMode:     healthMode,
		Aggregate:      make(map[string]int64, len(round.Kinds)),
		Inverters:      make(map[string]map[string]Value, len(round.Devices)),
		Connected:      make(map[string]bool, len(round.Devices)),
		Registers:      append([]uint16(nil), round.Registers...),
	}
	for k, name := range round.Kinds {
		if k < len(round.Aggregate.Sums) {
			s.Aggregate[name] = round.Aggregate.Sums[k]
		}
	}
	for _, d := range round.Devices {
		values := make(map[string]Value, len(round.Kinds))
		for k, name := range round.Kinds {
			if k < len(d.Values) {
				values[name] = Value{Value: d.Values[k], Updated: d.Fresh[k]}
			}
		}
		s.Inverters[d.Name] = values
		s.Connected[d.Name] = d.Connected
	}
	return s
}
