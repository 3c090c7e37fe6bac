// Package receiver is the far end of the telemetry link: it ingests
// session snapshots from devices over websockets or MQTT, keeps the latest
// one per session in memory and fans changes out to viewers.
package receiver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stride-relay/stride/internal/session"
)

// ErrStale is returned for a snapshot that would move a session backwards:
// older than the one held, or live after the session finished.
var ErrStale = errors.New("stale snapshot")

// Record is the latest snapshot of one session plus where and when it
// arrived.
type Record struct {
	session.Snapshot
	Device     string    `json:"device"`
	ReceivedAt time.Time `json:"receivedAt"`
	Updates    uint64    `json:"updates"`
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	now      func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Record),
		now:      now,
	}
}

func (s *Store) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	copy := *rec
	return &copy, true
}

// GetAll returns copies ordered by session id.
func (s *Store) GetAll() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		copy := *rec
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	return result
}

// Apply records snap from device. completed reports the first finished
// snapshot of a session.
func (s *Store) Apply(snap session.Snapshot, device string) (rec *Record, completed bool, err error) {
	if err := snap.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[snap.SessionID]
	if ok {
		if existing.Finished {
			return nil, false, ErrStale
		}
		if snap.Timestamp < existing.Timestamp {
			return nil, false, ErrStale
		}
	}

	next := &Record{
		Snapshot:   snap,
		Device:     device,
		ReceivedAt: s.now(),
		Updates:    1,
	}
	if ok {
		next.Updates = existing.Updates + 1
		if next.Device == "" {
			next.Device = existing.Device
		}
	}
	s.sessions[snap.SessionID] = next

	copy := *next
	return &copy, snap.Finished, nil
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ActiveCount counts sessions that have not finished.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.sessions {
		if !rec.Finished {
			count++
		}
	}
	return count
}

// Prune drops finished sessions received more than retention ago and
// returns their ids.
func (s *Store) Prune(retention time.Duration) []string {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, rec := range s.sessions {
		if rec.Finished && rec.ReceivedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
