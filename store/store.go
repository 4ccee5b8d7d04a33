// Package store implements the proxy's in-memory request store: a
// process-wide map of record_id -> Record plus a secondary connection-key
// index, used to correlate a response back to the request record that
// produced it.
//
// There is deliberately no persistence here — spec scope treats a history
// database as an external collaborator, not something this core owns.
package store

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a Record's lifecycle state.
type State string

const (
	Pending    State = "pending"
	Forwarded  State = "forwarded"
	Responded  State = "responded"
	Dropped    State = "dropped"
)

// Record is a single request/response pair as observed by the proxy.
type Record struct {
	ID uuid.UUID

	Method      string
	URL         string
	HTTPVersion string
	ReqHeader   http.Header
	ReqBody     []byte

	Status     int // 0 until Responded
	RespHeader http.Header
	RespBody   []byte

	StartedAt   time.Time
	CompletedAt time.Time

	ClientAddr string
	ProxyID    string

	State State
}

// IsComplete reports whether the record has left Pending.
func (r *Record) IsComplete() bool { return r.State != Pending }

// Store is the process-wide record map plus connection-key index.
//
// Two separate locks guard the records map and the connection index, per
// the concurrency model: response-path lookups that only touch the index
// don't contend with request-path inserts into the records map.
type Store struct {
	recordsMu sync.RWMutex
	records   map[uuid.UUID]*Record
	order     []uuid.UUID // insertion order, for stable get_recent tie-breaking

	connMu sync.RWMutex
	conns  map[string]uuid.UUID

	logger *slog.Logger
}

// New returns an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records: make(map[uuid.UUID]*Record),
		conns:   make(map[string]uuid.UUID),
		logger:  logger,
	}
}

// NextRecordID generates a fresh record id (UUIDv7, so ids sort roughly by
// creation time).
func (s *Store) NextRecordID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// ErrDuplicate is returned by Add for an id already present.
type ErrDuplicate struct{ ID uuid.UUID }

func (e ErrDuplicate) Error() string { return "store: duplicate record id " + e.ID.String() }

// Add inserts a new record. Duplicate ids are rejected.
func (s *Store) Add(r *Record) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	if _, exists := s.records[r.ID]; exists {
		return ErrDuplicate{ID: r.ID}
	}
	if r.State == "" {
		r.State = Pending
	}
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	return nil
}

// SaveConnection indexes id under key. Multiple keys may map to the same id
// (client_addr, client_addr:record_id, client_addr+record_id, record_id),
// matching the proxy engine's redundant-key strategy for response-side
// correlation.
func (s *Store) SaveConnection(key string, id uuid.UUID) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[key] = id
}

// LookupByConnection is a best-effort lookup; it may return ok=false.
func (s *Store) LookupByConnection(key string) (id uuid.UUID, ok bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	id, ok = s.conns[key]
	return id, ok
}

// clearConnectionsFor removes every connection-index entry pointing at id,
// matching the invariant that correlation entries are removed on terminal
// state.
func (s *Store) clearConnectionsFor(id uuid.UUID) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for k, v := range s.conns {
		if v == id {
			delete(s.conns, k)
		}
	}
}

// UpdateWithResponse atomically fills in response fields and marks the
// record Responded, whatever the status (a synthesized error response is
// recorded the same way). Returns nil if the record doesn't exist.
func (s *Store) UpdateWithResponse(id uuid.UUID, status int, header http.Header, body []byte) *Record {
	s.recordsMu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.recordsMu.Unlock()
		return nil
	}
	r.Status = status
	r.RespHeader = header
	r.RespBody = body
	r.CompletedAt = time.Now()
	r.State = Responded
	s.recordsMu.Unlock()

	s.clearConnectionsFor(id)
	return r
}

// MarkDropped marks a record terminal without response data (either no
// upstream request was sent, or the response was synthesized).
func (s *Store) MarkDropped(id uuid.UUID) *Record {
	s.recordsMu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.recordsMu.Unlock()
		return nil
	}
	r.State = Dropped
	r.CompletedAt = time.Now()
	s.recordsMu.Unlock()

	s.clearConnectionsFor(id)
	return r
}

// Clear empties the store, satisfying the control plane's clear_history
// operation. Records of in-flight requests are removed too, along with their
// connection-key entries, so a response that arrives after Clear finds no
// record (UpdateWithResponse returns nil) and nothing is added back.
func (s *Store) Clear() {
	s.recordsMu.Lock()
	s.records = make(map[uuid.UUID]*Record)
	s.order = nil
	s.recordsMu.Unlock()

	s.connMu.Lock()
	s.conns = make(map[string]uuid.UUID)
	s.connMu.Unlock()
}

// Get returns the record for id, if present.
func (s *Store) Get(id uuid.UUID) (*Record, bool) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// GetRecent returns up to n records ordered by StartedAt descending, ties
// broken by insertion order.
func (s *Store) GetRecent(n int) []*Record {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	all := make([]*Record, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.records[id]; ok {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// GetLatest returns the single most recent record, if any.
func (s *Store) GetLatest() (*Record, bool) {
	recent := s.GetRecent(1)
	if len(recent) == 0 {
		return nil, false
	}
	return recent[0], true
}

// GetIncomplete returns every record still in the Pending state, newest
// first.
func (s *Store) GetIncomplete() []*Record {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	var out []*Record
	for _, id := range s.order {
		if r, ok := s.records[id]; ok && r.State == Pending {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// ResolveForResponse implements the response-correlation fallback chain: try
// the connection key first; if that misses, fall back to the newest
// incomplete record; if there is none, fall back to the absolute latest
// record; if there is still nothing, report ok=false so the caller can drop
// the association and log it.
func (s *Store) ResolveForResponse(connKey string) (id uuid.UUID, ok bool) {
	if id, ok := s.LookupByConnection(connKey); ok {
		return id, true
	}

	if incomplete := s.GetIncomplete(); len(incomplete) > 0 {
		s.logger.Warn("store: response correlation fell back to newest incomplete record", "connection_key", connKey, "record_id", incomplete[0].ID)
		return incomplete[0].ID, true
	}

	if latest, ok := s.GetLatest(); ok {
		s.logger.Warn("store: response correlation fell back to absolute latest record", "connection_key", connKey, "record_id", latest.ID)
		return latest.ID, true
	}

	s.logger.Warn("store: response has no correlatable record, dropping association", "connection_key", connKey)
	return uuid.Nil, false
}
