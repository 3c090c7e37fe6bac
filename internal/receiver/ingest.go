package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stride-relay/stride/internal/session"
)

type IngestStats struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Stale     uint64 `json:"stale"`
	Completed uint64 `json:"completed"`
	Active    int    `json:"active"`
	Viewers   int    `json:"viewers"`
}

// Ingestor is the single path every transport feeds: decode, validate,
// store, broadcast.
type Ingestor struct {
	store       *Store
	broadcaster *Broadcaster
	retention   time.Duration

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64
	completed atomic.Uint64
}

func NewIngestor(store *Store, broadcaster *Broadcaster, retention time.Duration) *Ingestor {
	return &Ingestor{
		store:       store,
		broadcaster: broadcaster,
		retention:   retention,
	}
}

// Ingest handles one telemetry message from device.
func (in *Ingestor) Ingest(data []byte, device string) error {
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("decode snapshot: %w", err)
	}

	rec, completed, err := in.store.Apply(snap, device)
	if errors.Is(err, ErrStale) {
		in.stale.Add(1)
		return err
	}
	if err != nil {
		in.rejected.Add(1)
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	in.accepted.Add(1)
	in.broadcaster.QueueUpdate(rec)
	if completed {
		in.completed.Add(1)
		in.broadcaster.QueueCompletion(rec)
		log.Printf("[receiver] session %s from %s finished: %s steps in %s",
			rec.SessionID, rec.Device, humanize.Comma(int64(rec.Steps)),
			time.Duration(rec.DurationSeconds)*time.Second)
	}
	return nil
}

func (in *Ingestor) Stats() IngestStats {
	return IngestStats{
		Accepted:  in.accepted.Load(),
		Rejected:  in.rejected.Load(),
		Stale:     in.stale.Load(),
		Completed: in.completed.Load(),
		Active:    in.store.ActiveCount(),
		Viewers:   in.broadcaster.ClientCount(),
	}
}

// Prune removes expired finished sessions and tells viewers.
func (in *Ingestor) Prune() []string {
	removed := in.store.Prune(in.retention)
	in.broadcaster.QueueRemoval(removed)
	return removed
}

// Run prunes on a fixed cadence until ctx is done.
func (in *Ingestor) Run(ctx context.Context) {
	if in.retention <= 0 {
		<-ctx.Done()
		return
	}
	interval := in.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := in.Prune(); len(removed) > 0 {
				log.Printf("[receiver] pruned %d finished sessions", len(removed))
			}
		}
	}
}
