package cookiejar

import (
	"net/http"
	"testing"
)

func TestStoreFromResponseAndApply(t *testing.T) {
	t.Run("stores name=value and ignores other attributes", func(t *testing.T) {
		j := New()
		h := http.Header{}
		h.Add("Set-Cookie", "session=abc123; Path=/; HttpOnly; Secure; SameSite=Lax")
		j.StoreFromResponse("https://Example.com/login", h)

		out := http.Header{}
		j.Apply("https://example.com/dashboard", out)
		if got := out.Get("Cookie"); got != "session=abc123" {
			t.Fatalf("\nwanted:\nCookie: session=abc123\ngot:\nCookie: %s", got)
		}
	})

	t.Run("host key is lowercased", func(t *testing.T) {
		j := New()
		h := http.Header{}
		h.Add("Set-Cookie", "a=1")
		j.StoreFromResponse("https://EXAMPLE.com/", h)

		out := http.Header{}
		j.Apply("https://example.com/", out)
		if got := out.Get("Cookie"); got != "a=1" {
			t.Fatalf("\nwanted:\nCookie: a=1\ngot:\nCookie: %s", got)
		}
	})

	t.Run("overwrites by name and appends to existing Cookie header", func(t *testing.T) {
		j := New()
		h := http.Header{}
		h.Add("Set-Cookie", "a=1")
		h.Add("Set-Cookie", "a=2")
		j.StoreFromResponse("https://example.com/", h)

		out := http.Header{}
		out.Set("Cookie", "existing=keepme")
		j.Apply("https://example.com/", out)
		got := out.Get("Cookie")
		if got != "existing=keepme; a=2" {
			t.Fatalf("\nwanted:\nCookie: existing=keepme; a=2\ngot:\nCookie: %s", got)
		}
	})

	t.Run("different hosts don't leak cookies", func(t *testing.T) {
		j := New()
		h := http.Header{}
		h.Add("Set-Cookie", "a=1")
		j.StoreFromResponse("https://a.example.com/", h)

		out := http.Header{}
		j.Apply("https://b.example.com/", out)
		if got := out.Get("Cookie"); got != "" {
			t.Fatalf("\nwanted:\nno Cookie header\ngot:\nCookie: %s", got)
		}
	})

	t.Run("unparseable URL is a no-op", func(t *testing.T) {
		j := New()
		h := http.Header{}
		h.Add("Set-Cookie", "a=1")
		j.StoreFromResponse("://bad-url", h)

		out := http.Header{}
		j.Apply("://bad-url", out)
		if got := out.Get("Cookie"); got != "" {
			t.Fatalf("\nwanted:\nno Cookie header\ngot:\nCookie: %s", got)
		}
	})
}
