package rules

import (
	"net/http"
	"path/filepath"
	"testing"
)

func TestShouldInterceptRequest(t *testing.T) {
	t.Run("matches host equals", func(t *testing.T) {
		e, err := New(filepath.Join(t.TempDir(), "rules.json"), nil)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := e.SetRequestRules([]*Rule{{
			ID: "r1", Enabled: true, Direction: Request,
			Condition: []Condition{{Field: FieldHost, Op: OpEquals, Value: "example.com"}},
		}}); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		if !e.ShouldInterceptRequest("GET", "http://example.com/path", nil) {
			t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
		}
		if e.ShouldInterceptRequest("GET", "http://other.com/path", nil) {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})

	t.Run("conditions are ANDed, rules are ORed", func(t *testing.T) {
		e, _ := New(filepath.Join(t.TempDir(), "rules.json"), nil)
		e.SetRequestRules([]*Rule{
			{
				ID: "both", Enabled: true, Direction: Request,
				Condition: []Condition{
					{Field: FieldMethod, Op: OpEquals, Value: "POST"},
					{Field: FieldPath, Op: OpStartsWith, Value: "/admin"},
				},
			},
			{
				ID: "alt", Enabled: true, Direction: Request,
				Condition: []Condition{{Field: FieldHeader, HeaderName: "X-Debug", Op: OpEquals, Value: "1"}},
			},
		})

		if e.ShouldInterceptRequest("POST", "http://example.com/public", nil) {
			t.Fatalf("\nwanted:\nfalse (path doesn't match)\ngot:\ntrue")
		}
		if !e.ShouldInterceptRequest("POST", "http://example.com/admin/x", nil) {
			t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
		}

		h := http.Header{}
		h.Set("X-Debug", "1")
		if !e.ShouldInterceptRequest("GET", "http://example.com/public", h) {
			t.Fatalf("\nwanted:\ntrue (second rule matches)\ngot:\nfalse")
		}
	})

	t.Run("disabled rule never matches", func(t *testing.T) {
		e, _ := New(filepath.Join(t.TempDir(), "rules.json"), nil)
		e.SetRequestRules([]*Rule{{
			ID: "r1", Enabled: false, Direction: Request,
			Condition: []Condition{{Field: FieldHost, Op: OpEquals, Value: "example.com"}},
		}})
		if e.ShouldInterceptRequest("GET", "http://example.com/", nil) {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})

	t.Run("malformed regex disables rule instead of aborting", func(t *testing.T) {
		e, _ := New(filepath.Join(t.TempDir(), "rules.json"), nil)
		err := e.SetRequestRules([]*Rule{{
			ID: "bad", Enabled: true, Direction: Request,
			Condition: []Condition{{Field: FieldURL, Op: OpRegex, Value: "("}},
		}})
		if err != nil {
			t.Fatalf("\nwanted:\nnil (malformed regex shouldn't error the whole call)\ngot:\n%v", err)
		}
		rules := e.RequestRules()
		if len(rules) != 1 || rules[0].Enabled {
			t.Fatalf("\nwanted:\none rule, disabled\ngot:\n%+v", rules)
		}
		if e.ShouldInterceptRequest("GET", "http://example.com/", nil) {
			t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
		}
	})

	t.Run("persists and reloads via write-temp-then-rename", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.json")
		e, _ := New(path, nil)
		e.SetRequestRules([]*Rule{{
			ID: "r1", Enabled: true, Direction: Request,
			Condition: []Condition{{Field: FieldHost, Op: OpEquals, Value: "example.com"}},
		}})

		reloaded, err := New(path, nil)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if !reloaded.ShouldInterceptRequest("GET", "http://example.com/", nil) {
			t.Fatalf("\nwanted:\ntrue after reload\ngot:\nfalse")
		}
	})
}

func TestShouldInterceptResponse(t *testing.T) {
	e, _ := New(filepath.Join(t.TempDir(), "rules.json"), nil)
	e.SetResponseRules([]*Rule{{
		ID: "r1", Enabled: true, Direction: Response,
		Condition: []Condition{{Field: FieldStatus, Op: OpInSet, Value: "500, 502, 503"}},
	}})

	if !e.ShouldInterceptResponse(502, "http://example.com/", nil) {
		t.Fatalf("\nwanted:\ntrue\ngot:\nfalse")
	}
	if e.ShouldInterceptResponse(200, "http://example.com/", nil) {
		t.Fatalf("\nwanted:\nfalse\ngot:\ntrue")
	}
}

func TestScriptPredicate(t *testing.T) {
	e, _ := New(filepath.Join(t.TempDir(), "rules.json"), nil)
	e.SetRequestRules([]*Rule{{
		ID: "script", Enabled: true, Direction: Request,
		Condition: []Condition{{Field: FieldURL, Op: OpScript, Value: `header("X-Token") == "" and method == "POST"`}},
	}})

	h := http.Header{}
	if !e.ShouldInterceptRequest("POST", "http://example.com/", h) {
		t.Fatalf("\nwanted:\ntrue (missing token on POST)\ngot:\nfalse")
	}
	h.Set("X-Token", "present")
	if e.ShouldInterceptRequest("POST", "http://example.com/", h) {
		t.Fatalf("\nwanted:\nfalse (token present)\ngot:\ntrue")
	}
}
