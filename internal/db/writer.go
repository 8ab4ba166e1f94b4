package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
	"github.com/leggler/PV-Aggregator/internal/model"
)

const defaultQueueSize = 16

// Writer persists fresh values of each round asynchronously. Rounds are
// queued; when the queue is full the round is dropped and reported.
type Writer struct {
	db    *DB
	cache *ValueCache
	log   zerolog.Logger

	q      chan []model.LastGood
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the background writer.
func NewWriter(db *DB, queueSize int, cacheTTL time.Duration, log zerolog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &Writer{
		db:    db,
		cache: NewValueCache(cacheTTL),
		log:   log,
		q:     make(chan []model.LastGood, queueSize),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for batch := range w.q {
			w.write(batch)
		}
	}()
	return w
}

func (w *Writer) write(batch []model.LastGood) {
	if err := w.db.Upsert(context.Background(), batch); err != nil {
		w.log.Error().Err(err).Int("values", len(batch)).Msg("state write failed")
		return
	}
	for _, v := range batch {
		w.cache.Set(cacheKey(v.Device, v.Measurement), v.Value)
	}
}

// Handle queues the round's fresh values that changed since they were last
// written. Its signature matches the collector's round handler.
func (w *Writer) Handle(_ context.Context, round model.Round) error {
	var batch []model.LastGood
	for _, d := range round.Devices {
		for k, name := range round.Kinds {
			if k >= len(d.Fresh) || !d.Fresh[k] {
				continue
			}
			if w.cache.Unchanged(cacheKey(d.Name, name), d.Values[k]) {
				continue
			}
			batch = append(batch, model.LastGood{
				Device:      d.Name,
				Measurement: name,
				Value:       d.Values[k],
				UpdatedAt:   round.FinishedAt,
			})
		}
	}
	if len(batch) == 0 {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return apperrors.Newf(apperrors.ErrStorageClose, "writer closed")
	}
	select {
	case w.q <- batch:
		return nil
	default:
		return apperrors.Newf(apperrors.ErrQueueFull, "dropped %d values of round %d", len(batch), round.Seq)
	}
}

// Close stops accepting rounds and waits for queued writes to finish.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.q)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
