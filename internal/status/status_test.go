package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leggler/PV-Aggregator/internal/model"
	"github.com/leggler/PV-Aggregator/internal/registers"
)

func sampleRound() model.Round {
	return model.Round{
		Seq:        7,
		FinishedAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
		Kinds:      []string{"active_power", "accumulated_energy_yield"},
		Devices: []model.DeviceRound{
			{Name: "A", Values: []int64{100, 50}, Fresh: []bool{true, true}, Connected: true},
			{Name: "B", Values: []int64{50, 20}, Fresh: []bool{false, false}},
		},
		Aggregate:      model.Aggregate{Sums: []int64{150, 70}, Health: 2},
		Registers:      []uint16{0, 150, 0, 70, 2},
		FailedReadings: 4,
	}
}

func TestReportSnapshot(t *testing.T) {
	r := NewReport("fresh_reads")
	_, ok := r.Snapshot()
	assert.False(t, ok)

	require.NoError(t, r.Update(context.Background(), sampleRound()))
	s, ok := r.Snapshot()
	require.True(t, ok)

	assert.Equal(t, uint64(7), s.Round)
	assert.Equal(t, uint64(4), s.FailedReadings)
	assert.Equal(t, map[string]int64{"active_power": 150, "accumulated_energy_yield": 70}, s.Aggregate)
	assert.Equal(t, Value{Value: 20, Updated: false}, s.Inverters["B"]["accumulated_energy_yield"])
	assert.Equal(t, Value{Value: 100, Updated: true}, s.Inverters["A"]["active_power"])
	assert.Equal(t, map[string]bool{"A": true, "B": false}, s.Connected)
}

func TestStatusEndpoint(t *testing.T) {
	report := NewReport("fresh_reads")
	table := registers.NewTable(2)
	srv := httptest.NewServer(Handler(report, table))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, report.Update(context.Background(), sampleRound()))
	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Health)
	assert.Equal(t, "fresh_reads", got.HealthMode)
	assert.Equal(t, int64(150), got.Aggregate["active_power"])
}

func TestRegistersEndpoint(t *testing.T) {
	table := registers.NewTable(2)
	require.NoError(t, table.PublishRound([]int64{0x0001_8000, 3}, 1))
	srv := httptest.NewServer(Handler(NewReport(""), table))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/registers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got map[string][]uint16
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []uint16{1, 0x8000, 0, 3, 1}, got["registers"])

	post, err := http.Post(srv.URL+"/registers", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(l.Addr().String(), Handler(NewReport(""), registers.NewTable(2)), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/registers")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
