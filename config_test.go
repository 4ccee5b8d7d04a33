package riftproxy

import "testing"

func TestConfigStoreSaveGetDelete(t *testing.T) {
	cs, err := newConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	if _, ok := cs.get("p1"); ok {
		t.Fatalf("\nwanted:\nno config for unknown id\ngot:\nfound one")
	}

	cfg := ProxyConfig{ID: "p1", BindAddr: "127.0.0.1", Port: "9001"}
	if err := cs.save(cfg); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	got, ok := cs.get("p1")
	if !ok || got.Port != "9001" {
		t.Fatalf("\nwanted:\nPort=9001\ngot:\n%+v, ok=%v", got, ok)
	}

	if err := cs.delete("p1"); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if _, ok := cs.get("p1"); ok {
		t.Fatalf("\nwanted:\nconfig gone after delete\ngot:\nstill present")
	}
}

func TestConfigStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	cs1, err := newConfigStore(dir)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if err := cs1.save(ProxyConfig{ID: "p2", BindAddr: "0.0.0.0", Port: "7000"}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	cs2, err := newConfigStore(dir)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	got, ok := cs2.get("p2")
	if !ok || got.BindAddr != "0.0.0.0" || got.Port != "7000" {
		t.Fatalf("\nwanted:\nreloaded config p2=0.0.0.0:7000\ngot:\n%+v, ok=%v", got, ok)
	}
}

func TestConfigStoreDeleteUnknownIsNotAnError(t *testing.T) {
	cs, err := newConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if err := cs.delete("never-saved"); err != nil {
		t.Fatalf("\nwanted:\nnil (idempotent delete)\ngot:\n%v", err)
	}
}
