package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zebbra/counter-service/internal/lib/counter"
	"go.uber.org/zap/zaptest"
)

type fakePublisher struct {
	fail bool
	sent chan<- []byte
}

func (p *fakePublisher) Send(ctx context.Context, body []byte) error {
	if p.fail {
		return errors.New("connection reset by peer")
	}
	p.sent <- body
	return nil
}

func (p *fakePublisher) Close() {}

// scriptedDialer hands out the results in order, then keeps returning the last one.
type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	p   Publisher
	err error
}

func (d *scriptedDialer) Dial() (Publisher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.results[len(d.results)-1]
	if d.calls < len(d.results) {
		r = d.results[d.calls]
	}
	d.calls++
	return r.p, r.err
}

func runNotifier(t *testing.T, n *BrokerNotifier) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Run(ctx)
	}()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func receive(t *testing.T, sent <-chan []byte) Event {
	t.Helper()

	select {
	case body := <-sent:
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Fatalf("invalid event body %q: %v", body, err)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNotifierPublishesInOrder(t *testing.T) {
	sent := make(chan []byte, 10)
	var published counter.Counter

	n := NewBrokerNotifier(Config{
		Dial:             func() (Publisher, error) { return &fakePublisher{sent: sent}, nil },
		Logger:           zaptest.NewLogger(t).Sugar(),
		PublishedCounter: &published,
	})
	stop := runNotifier(t, n)

	n.Notify(1)
	n.Notify(2)

	for i := int64(1); i <= 2; i++ {
		if ev := receive(t, sent); ev.Count != i {
			t.Errorf("event count = %d, expected %d", ev.Count, i)
		}
	}

	stop()

	if got := published.Get(); got != 2 {
		t.Errorf("published = %d, expected 2", got)
	}
}

func TestNotifierEventBody(t *testing.T) {
	sent := make(chan []byte, 1)

	n := NewBrokerNotifier(Config{
		Dial:   func() (Publisher, error) { return &fakePublisher{sent: sent}, nil },
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	n.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	n.Notify(42)
	stop := runNotifier(t, n)

	select {
	case body := <-sent:
		expected := `{"count":42,"timestamp":"2026-01-02T03:04:05Z"}`
		if string(body) != expected {
			t.Errorf("body = %s, expected %s", body, expected)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	stop()
}

func TestNotifierReconnectsAfterDialError(t *testing.T) {
	sent := make(chan []byte, 1)
	var errs counter.Counter

	d := &scriptedDialer{results: []dialResult{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{p: &fakePublisher{sent: sent}},
	}}

	n := NewBrokerNotifier(Config{
		Dial:         d.Dial,
		Logger:       zaptest.NewLogger(t).Sugar(),
		ErrorCounter: &errs,
	})
	stop := runNotifier(t, n)

	n.Notify(1)
	if ev := receive(t, sent); ev.Count != 1 {
		t.Errorf("event count = %d, expected 1", ev.Count)
	}

	stop()

	if got := errs.Get(); got != 2 {
		t.Errorf("errors = %d, expected 2", got)
	}
}

func TestNotifierRetriesEventOnNewConnection(t *testing.T) {
	sent := make(chan []byte, 1)
	var published, errs counter.Counter

	d := &scriptedDialer{results: []dialResult{
		{p: &fakePublisher{fail: true}},
		{p: &fakePublisher{sent: sent}},
	}}

	n := NewBrokerNotifier(Config{
		Dial:             d.Dial,
		Logger:           zaptest.NewLogger(t).Sugar(),
		PublishedCounter: &published,
		ErrorCounter:     &errs,
	})

	n.Notify(7)
	stop := runNotifier(t, n)

	if ev := receive(t, sent); ev.Count != 7 {
		t.Errorf("event count = %d, expected 7", ev.Count)
	}

	stop()

	if got := published.Get(); got != 1 {
		t.Errorf("published = %d, expected 1", got)
	}
	if got := errs.Get(); got != 1 {
		t.Errorf("errors = %d, expected 1", got)
	}
}

func TestNotifyDropsWhenBufferFull(t *testing.T) {
	var errs counter.Counter

	n := NewBrokerNotifier(Config{
		BufferSize:   1,
		Logger:       zaptest.NewLogger(t).Sugar(),
		ErrorCounter: &errs,
	})

	n.Notify(1)
	n.Notify(2)

	if got := errs.Get(); got != 1 {
		t.Errorf("errors = %d, expected 1", got)
	}
	if ev := <-n.events; ev.Count != 1 {
		t.Errorf("buffered event count = %d, expected 1", ev.Count)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	n := NewBrokerNotifier(Config{
		Dial: func() (Publisher, error) {
			t.Error("dial should not be called")
			return nil, errors.New("unreachable")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.Run(ctx); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = Nop{}
	n.Notify(1)
}

// blockingPublisher holds every send until its context is done.
type blockingPublisher struct {
	entered chan struct{}
}

func (p *blockingPublisher) Send(ctx context.Context, body []byte) error {
	close(p.entered)
	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPublisher) Close() {}

func TestShutdownDuringSendIsNotAnError(t *testing.T) {
	var published, errs counter.Counter
	p := &blockingPublisher{entered: make(chan struct{})}

	n := NewBrokerNotifier(Config{
		Dial:             func() (Publisher, error) { return p, nil },
		Logger:           zaptest.NewLogger(t).Sugar(),
		PublishedCounter: &published,
		ErrorCounter:     &errs,
	})

	n.Notify(1)
	stop := runNotifier(t, n)

	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("send was never attempted")
	}

	stop()

	if got := errs.Get(); got != 0 {
		t.Errorf("errors = %d, expected 0", got)
	}
	if got := published.Get(); got != 0 {
		t.Errorf("published = %d, expected 0", got)
	}
}
