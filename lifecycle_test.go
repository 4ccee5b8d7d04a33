package riftproxy

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/riftproxy/riftproxy/intercept"
)

// freePort asks the OS for an ephemeral port, then releases it immediately
// so a Manager-managed instance can bind the same number.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	ln.Close()
	return port
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), WithInterceptTimeout(time.Second))
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	return m
}

func TestNewManagerBootstrapsCA(t *testing.T) {
	m := newTestManager(t)
	if !m.HasCA() {
		t.Fatalf("\nwanted:\nHasCA() true after NewManager\ngot:\nfalse")
	}
	der, spki, err := m.GetCAMaterial()
	if err != nil || len(der) == 0 || spki == "" {
		t.Fatalf("\nwanted:\nnon-empty CA material\ngot:\nerr=%v der=%d spki=%q", err, len(der), spki)
	}
}

func TestConfigsSynthesizesDefault(t *testing.T) {
	m := newTestManager(t)
	cfgs := m.Configs()
	found := false
	for _, c := range cfgs {
		if c.ID == DefaultProxyID {
			found = true
		}
	}
	if !found {
		t.Fatalf("\nwanted:\n%q present even with nothing saved\ngot:\n%+v", DefaultProxyID, cfgs)
	}
}

func TestDeleteDefaultConfigFails(t *testing.T) {
	m := newTestManager(t)
	if err := m.DeleteConfig(DefaultProxyID); err != ErrDefaultConfigUndeletable {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrDefaultConfigUndeletable, err)
	}
	if err := m.DeleteConfig(""); err != ErrDefaultConfigUndeletable {
		t.Fatalf("\nwanted:\n%v (empty id resolves to default)\ngot:\n%v", ErrDefaultConfigUndeletable, err)
	}
}

func TestSaveConfigRoundTrips(t *testing.T) {
	m := newTestManager(t)
	if err := m.SaveConfig("p1", ProxyConfig{BindAddr: "127.0.0.1", Port: "9099"}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	var got ProxyConfig
	for _, c := range m.Configs() {
		if c.ID == "p1" {
			got = c
		}
	}
	if got.Port != "9099" {
		t.Fatalf("\nwanted:\nPort=9099\ngot:\n%+v", got)
	}
}

func TestStartStopStartSamePort(t *testing.T) {
	m := newTestManager(t)
	port := freePort(t)
	if err := m.SaveConfig("p1", ProxyConfig{BindAddr: "127.0.0.1", Port: port}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	if err := m.StartProxy("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if !m.GetStatus("p1") {
		t.Fatalf("\nwanted:\nGetStatus true after start\ngot:\nfalse")
	}
	if err := m.StartProxy("p1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrAlreadyRunning, err)
	}

	if err := m.StopProxy("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil (StopProxy never fails the foreground call)\ngot:\n%v", err)
	}
	if m.GetStatus("p1") {
		t.Fatalf("\nwanted:\nGetStatus false after stop\ngot:\ntrue")
	}
	if err := m.StopProxy("p1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrNotRunning, err)
	}

	// Restarting on the exact same port must succeed once WaitForPortRelease
	// has confirmed the socket is free again (spec.md §4.7 scenario 5).
	if err := m.StartProxy("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil (restart on the same port)\ngot:\n%v", err)
	}
	if err := m.StopProxy("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
}

func TestWaitForPortReleaseTrueAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	if !WaitForPortRelease(port, 2*time.Second) {
		t.Fatalf("\nwanted:\ntrue (port already free)\ngot:\nfalse")
	}

	confirm, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		t.Fatalf("\nwanted:\nbind to succeed after WaitForPortRelease reports released\ngot:\n%v", err)
	}
	confirm.Close()
}

func TestInterceptPropagatesToRunningInstances(t *testing.T) {
	m := newTestManager(t)
	port := freePort(t)
	if err := m.SaveConfig("p1", ProxyConfig{BindAddr: "127.0.0.1", Port: port}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if err := m.StartProxy("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	defer m.StopProxy("p1")

	m.SetInterceptEnabled(true)
	instances := m.runningInstances()
	if len(instances) != 1 || !instances[0].Settings().Enabled {
		t.Fatalf("\nwanted:\nrunning instance intercept enabled\ngot:\n%+v", instances)
	}

	settings := m.ProxySettings()
	if !settings.Enabled {
		t.Fatalf("\nwanted:\nManager.ProxySettings().Enabled true\ngot:\nfalse")
	}
}

func TestHistoryGetAndClear(t *testing.T) {
	m := newTestManager(t)
	m.ClearHistory()
	if got := m.GetHistory(-1); len(got) != 0 {
		t.Fatalf("\nwanted:\nempty history after clear\ngot:\n%d records", len(got))
	}
}

func TestForwardAndDropInterceptedWithoutPendingTicketErrors(t *testing.T) {
	m := newTestManager(t)
	id := m.Store().NextRecordID()
	if err := m.ForwardInterceptedRequest(id, intercept.Mutation{}); err != intercept.ErrUnknownTicket {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", intercept.ErrUnknownTicket, err)
	}
	if err := m.DropInterceptedResponse(id); err != intercept.ErrUnknownTicket {
		t.Fatalf("\nwanted:\n%v\ngot:\n%v", intercept.ErrUnknownTicket, err)
	}
}
