package model

import "time"

// DeviceRound holds one device's outcome in a round. Values and Fresh are
// indexed by measurement slot.
type DeviceRound struct {
	Name      string  `json:"name"`
	Values    []int64 `json:"values"`
	Fresh     []bool  `json:"fresh"`
	Connected bool    `json:"connected"`
}

// FreshCount returns the number of values read successfully this round.
func (d DeviceRound) FreshCount() int {
	n := 0
	for _, f := range d.Fresh {
		if f {
			n++
		}
	}
	return n
}

// Aggregate is the per-kind sum over all devices plus the health scalar.
type Aggregate struct {
	Sums   []int64 `json:"sums"`
	Health int     `json:"health"`
}

// Round is everything known about one completed poll-aggregate-publish cycle.
type Round struct {
	Seq            uint64        `json:"round"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Kinds          []string      `json:"kinds"`
	Devices        []DeviceRound `json:"devices"`
	Aggregate      Aggregate     `json:"aggregate"`
	Registers      []uint16      `json:"registers"`
	FailedReadings uint64        `json:"failed_readings"`
}

// LastGood is the stored last successful value of one (device, measurement) pair.
type LastGood struct {
	Device      string    `json:"device"`
	Measurement string    `json:"measurement"`
	Value       int64     `json:"value"`
	UpdatedAt   time.Time `json:"updated_at"`
}
