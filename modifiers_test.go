package riftproxy

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/riftproxy/riftproxy/ca"
	"github.com/riftproxy/riftproxy/cookiejar"
	"github.com/riftproxy/riftproxy/intercept"
	"github.com/riftproxy/riftproxy/rules"
	"github.com/riftproxy/riftproxy/store"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()

	authority, err := ca.New(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	s := store.New(nil)
	engine, err := rules.New(filepath.Join(t.TempDir(), "rules.json"), nil)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	inst, err := New("test",
		WithBindAddr("127.0.0.1", "0"),
		WithAuthority(authority),
		WithStore(s),
		WithCookieJar(cookiejar.New()),
		WithRules(engine),
		WithCoordinator(intercept.New(0, nil)),
	)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	return inst
}

// TestRecordIDForResponseFallsBackToStore covers the case where a response's
// request context never carried a record id (e.g. it was rebuilt on a
// hijacked connection): recordIDForResponse must fall back to the store's
// connection-key resolution instead of failing outright.
func TestRecordIDForResponseFallsBackToStore(t *testing.T) {
	inst := newTestInstance(t)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "127.0.0.1:55555"

	id := inst.store.NextRecordID()
	if err := inst.store.Add(&store.Record{ID: id, Method: req.Method, URL: req.URL.String(), State: store.Pending}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	inst.store.SaveConnection(req.RemoteAddr, id)

	// req carries no record id in its context: this models the fallback path.
	res := &http.Response{Request: req, StatusCode: http.StatusOK, Header: make(http.Header)}

	got, ok := recordIDForResponse(inst, res)
	if !ok {
		t.Fatalf("\nwanted:\nok=true via the connection-key fallback\ngot:\nfalse")
	}
	if got != id {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", id, got)
	}
}

// TestRecordIDForResponsePrefersContext covers the normal path: when the
// context already carries a record id, that id wins even if the connection
// key in the store maps to something else.
func TestRecordIDForResponsePrefersContext(t *testing.T) {
	inst := newTestInstance(t)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.RemoteAddr = "127.0.0.1:55556"

	contextID := inst.store.NextRecordID()
	otherID := inst.store.NextRecordID()
	inst.store.SaveConnection(req.RemoteAddr, otherID)

	req = contextWithRecordID(req, contextID)
	res := &http.Response{Request: req, StatusCode: http.StatusOK, Header: make(http.Header)}

	got, ok := recordIDForResponse(inst, res)
	if !ok {
		t.Fatalf("\nwanted:\nok=true\ngot:\nfalse")
	}
	if got != contextID {
		t.Fatalf("\nwanted:\n%v (from context)\ngot:\n%v", contextID, got)
	}
}
