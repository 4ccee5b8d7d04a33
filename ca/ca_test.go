package ca

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestNewGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	a, err := New(dir)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if !a.HasCA() {
		t.Fatalf("\nwanted:\nHasCA() true after New\ngot:\nfalse")
	}

	der, spki, err := a.GetCAMaterial()
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if len(der) == 0 || spki == "" {
		t.Fatalf("\nwanted:\nnon-empty cert bytes and spki hash\ngot:\nder=%d spki=%q", len(der), spki)
	}

	b, err := New(dir)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	_, spki2, _ := b.GetCAMaterial()
	if spki2 != spki {
		t.Fatalf("\nwanted:\nreloaded authority to keep the same root (spki=%q)\ngot:\n%q", spki, spki2)
	}
}

func TestCertValidityMatchesSpecBudgets(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	rootDER, _, err := a.GetCAMaterial()
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if root.NotAfter.Sub(time.Now()) < 9*365*24*time.Hour {
		t.Fatalf("\nwanted:\nroot NotAfter at least ~9 years out (spec: 10-year validity)\ngot:\n%v", root.NotAfter)
	}

	leaf, err := a.LeafFor("example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	leafCert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if leafCert.NotAfter.Sub(time.Now()) < 900*24*time.Hour {
		t.Fatalf("\nwanted:\nleaf NotAfter at least ~900 days out (spec: ~1000-day validity)\ngot:\n%v", leafCert.NotAfter)
	}
}

func TestLeafForCachesAndMints(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	c1, err := a.LeafFor("example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	c2, err := a.LeafFor("example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if string(c1.Certificate[0]) != string(c2.Certificate[0]) {
		t.Fatalf("\nwanted:\nsame leaf bytes for repeated LeafFor(same host)\ngot:\ndiffering bytes")
	}

	c3, err := a.LeafFor("other.example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if string(c3.Certificate[0]) == string(c1.Certificate[0]) {
		t.Fatalf("\nwanted:\ndistinct leaf certs for distinct hosts\ngot:\nidentical bytes")
	}
}

func TestLeafCacheNeverEvictsInUse(t *testing.T) {
	a, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	a.cap = 2

	first, err := a.LeafFor("host-a.example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	for i := 0; i < 10; i++ {
		if _, err := a.LeafFor("host-b.example.com"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if _, err := a.LeafFor("host-c.example.com"); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	}

	again, err := a.LeafFor("host-a.example.com")
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if string(first.Certificate[0]) != string(again.Certificate[0]) {
		t.Fatalf("\nwanted:\nin-use leaf for host-a to survive cache churn\ngot:\nit was re-minted")
	}
}
