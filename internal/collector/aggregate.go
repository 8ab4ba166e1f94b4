package collector

import (
	"strings"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/model"
)

// HealthMode selects what the trailing health register counts.
type HealthMode string

const (
	// HealthFreshReads counts pairs read successfully this round.
	HealthFreshReads HealthMode = "fresh_reads"
	// HealthConnectedDevices counts devices reporting a live connection.
	HealthConnectedDevices HealthMode = "connected_devices"
)

// ParseHealthMode accepts the configured mode name. Empty means fresh_reads.
func ParseHealthMode(s string) (HealthMode, error) {
	switch HealthMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", HealthFreshReads:
		return HealthFreshReads, nil
	case HealthConnectedDevices:
		return HealthConnectedDevices, nil
	default:
		return "", apperrors.Newf(apperrors.ErrInvalidConfig, "unknown health mode %q", s)
	}
}

// Aggregate sums each kind over all devices, fallback values included, and
// computes the health scalar. Sums are not overflow checked.
func Aggregate(devices []model.DeviceRound, kinds int, mode HealthMode) model.Aggregate {
	agg := model.Aggregate{Sums: make([]int64, kinds)}
	for _, d := range devices {
		for k := 0; k < kinds && k < len(d.Values); k++ {
			agg.Sums[k] += d.Values[k]
		}
		switch mode {
		case HealthConnectedDevices:
			if d.Connected {
				agg.Health++
			}
		default:
			agg.Health += d.FreshCount()
		}
	}
	return agg
}
