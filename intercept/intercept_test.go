package intercept

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestForwardUnmodified(t *testing.T) {
	c := New(time.Second, nil)
	defer c.Close()

	id := uuid.New()
	done := make(chan Resolution, 1)
	go func() { done <- c.Suspend(id, Req) }()

	time.Sleep(10 * time.Millisecond)
	if err := c.ForwardRequest(id, Mutation{}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	res := <-done
	if res.Action != Forward || res.TimedOut {
		t.Fatalf("\nwanted:\nForward, not timed out\ngot:\n%+v", res)
	}
}

func TestDropRequest(t *testing.T) {
	c := New(time.Second, nil)
	defer c.Close()

	id := uuid.New()
	done := make(chan Resolution, 1)
	go func() { done <- c.Suspend(id, Req) }()

	time.Sleep(10 * time.Millisecond)
	if err := c.DropRequest(id); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	res := <-done
	if res.Action != Drop {
		t.Fatalf("\nwanted:\nDrop\ngot:\n%+v", res)
	}
}

func TestDuplicateResumeErrors(t *testing.T) {
	c := New(time.Second, nil)
	defer c.Close()

	id := uuid.New()
	done := make(chan Resolution, 1)
	go func() { done <- c.Suspend(id, Req) }()

	time.Sleep(10 * time.Millisecond)
	if err := c.ForwardRequest(id, Mutation{}); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	<-done

	if err := c.ForwardRequest(id, Mutation{}); err != ErrUnknownTicket {
		t.Fatalf("\nwanted:\n%v (ticket already removed)\ngot:\n%v", ErrUnknownTicket, err)
	}
}

func TestTimeoutAutoForwards(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	defer c.Close()

	id := uuid.New()
	res := c.Suspend(id, Req)
	if res.Action != Forward || !res.TimedOut {
		t.Fatalf("\nwanted:\nForward, TimedOut=true\ngot:\n%+v", res)
	}
}

func TestForwardAllPendingUnblocksAll(t *testing.T) {
	c := New(time.Minute, nil)
	defer c.Close()

	const n = 5
	done := make(chan Resolution, n)
	for i := 0; i < n; i++ {
		go func() { done <- c.Suspend(uuid.New(), Req) }()
	}
	time.Sleep(20 * time.Millisecond)

	c.ForwardAllPending(Req)

	for i := 0; i < n; i++ {
		select {
		case res := <-done:
			if res.Action != Forward {
				t.Fatalf("\nwanted:\nForward\ngot:\n%+v", res)
			}
		case <-time.After(time.Second):
			t.Fatalf("\nwanted:\nall pending tickets resumed\ngot:\ntimed out waiting")
		}
	}
}

func TestMutationWithBody(t *testing.T) {
	m := Mutation{}.WithBody([]byte("hello"))
	if !m.HasBody() || string(m.Body) != "hello" {
		t.Fatalf("\nwanted:\nHasBody=true, Body=hello\ngot:\nHasBody=%v, Body=%q", m.HasBody(), m.Body)
	}
	if (Mutation{}).HasBody() {
		t.Fatalf("\nwanted:\nHasBody=false for zero value\ngot:\ntrue")
	}
}
