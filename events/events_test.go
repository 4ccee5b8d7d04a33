package events

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerEmitsStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	sink.Emit(Started, map[string]any{"proxy_id": "default"})

	if !strings.Contains(buf.String(), Started) {
		t.Fatalf("\nwanted:\nlog containing %q\ngot:\n%q", Started, buf.String())
	}
}

func TestChannelDeliversEvents(t *testing.T) {
	sink := NewChannel(4)
	sink.Emit(RequestReceived, "one")

	env := <-sink.Events()
	if env.Name != RequestReceived || env.Payload != "one" {
		t.Fatalf("\nwanted:\n{%s one}\ngot:\n%+v", RequestReceived, env)
	}
}

func TestChannelDropsOldestWhenFull(t *testing.T) {
	sink := NewChannel(1)
	sink.Emit(RequestReceived, "first")
	sink.Emit(RequestReceived, "second")

	env := <-sink.Events()
	if env.Payload != "second" {
		t.Fatalf("\nwanted:\nsecond (oldest dropped)\ngot:\n%v", env.Payload)
	}
}

func TestDiscardIsSafeNoOp(t *testing.T) {
	Discard.Emit(Error, "anything")
}
