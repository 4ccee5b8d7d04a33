package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newRecord(s *Store) *Record {
	return &Record{ID: s.NextRecordID(), StartedAt: time.Now()}
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := New(nil)
	r := newRecord(s)
	if err := s.Add(r); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if err := s.Add(r); err == nil {
		t.Fatalf("\nwanted:\nErrDuplicate\ngot:\nnil")
	}
}

func TestConnectionCorrelation(t *testing.T) {
	s := New(nil)
	r := newRecord(s)
	s.Add(r)
	s.SaveConnection("10.0.0.1:5555", r.ID)
	s.SaveConnection(r.ID.String(), r.ID)

	if id, ok := s.LookupByConnection("10.0.0.1:5555"); !ok || id != r.ID {
		t.Fatalf("\nwanted:\n%v, true\ngot:\n%v, %v", r.ID, id, ok)
	}

	s.UpdateWithResponse(r.ID, 200, nil, nil)
	if _, ok := s.LookupByConnection("10.0.0.1:5555"); ok {
		t.Fatalf("\nwanted:\ncorrelation entry removed on terminal state\ngot:\nstill present")
	}
}

func TestUpdateWithResponseMissingRecord(t *testing.T) {
	s := New(nil)
	if got := s.UpdateWithResponse(uuid.New(), 200, nil, nil); got != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", got)
	}
}

func TestGetRecentOrdering(t *testing.T) {
	s := New(nil)
	r1 := &Record{ID: s.NextRecordID(), StartedAt: time.Now().Add(-time.Minute)}
	r2 := &Record{ID: s.NextRecordID(), StartedAt: time.Now()}
	s.Add(r1)
	s.Add(r2)

	recent := s.GetRecent(10)
	if len(recent) != 2 || recent[0].ID != r2.ID || recent[1].ID != r1.ID {
		t.Fatalf("\nwanted:\n[r2, r1]\ngot:\n%+v", recent)
	}
}

func TestResolveForResponseFallbackChain(t *testing.T) {
	t.Run("exact connection key hit", func(t *testing.T) {
		s := New(nil)
		r := newRecord(s)
		s.Add(r)
		s.SaveConnection("key", r.ID)

		id, ok := s.ResolveForResponse("key")
		if !ok || id != r.ID {
			t.Fatalf("\nwanted:\n%v, true\ngot:\n%v, %v", r.ID, id, ok)
		}
	})

	t.Run("falls back to newest incomplete", func(t *testing.T) {
		s := New(nil)
		older := &Record{ID: s.NextRecordID(), StartedAt: time.Now().Add(-time.Minute)}
		newer := &Record{ID: s.NextRecordID(), StartedAt: time.Now()}
		s.Add(older)
		s.Add(newer)

		id, ok := s.ResolveForResponse("no-such-key")
		if !ok || id != newer.ID {
			t.Fatalf("\nwanted:\n%v, true\ngot:\n%v, %v", newer.ID, id, ok)
		}
	})

	t.Run("falls back to absolute latest when nothing incomplete", func(t *testing.T) {
		s := New(nil)
		r := newRecord(s)
		s.Add(r)
		s.UpdateWithResponse(r.ID, 200, nil, nil)

		id, ok := s.ResolveForResponse("no-such-key")
		if !ok || id != r.ID {
			t.Fatalf("\nwanted:\n%v, true\ngot:\n%v, %v", r.ID, id, ok)
		}
	})

	t.Run("drops association when store is empty", func(t *testing.T) {
		s := New(nil)
		if _, ok := s.ResolveForResponse("no-such-key"); ok {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})
}
