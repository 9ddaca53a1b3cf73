package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/ratelimit"
	"github.com/zebbra/counter-service/internal/lib/counter"
	"go.uber.org/zap"
)

// Notifier receives every new counter value. Implementations must not block.
type Notifier interface {
	Notify(count int64)
}

// Nop drops all events.
type Nop struct{}

func (Nop) Notify(int64) {}

// Publisher is a single broker connection.
type Publisher interface {
	Send(ctx context.Context, body []byte) error
	Close()
}

// Dialer opens a new broker connection.
type Dialer func() (Publisher, error)

// Event is the JSON body published for every increment.
type Event struct {
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures a BrokerNotifier. Zero values fall back to a buffer of
// 1024 events, 5 connection attempts per second and a 5s send timeout.
type Config struct {
	Dial             Dialer
	BufferSize       int
	ConnectRate      int64
	SendTimeout      time.Duration
	Logger           *zap.SugaredLogger
	PublishedCounter *counter.Counter
	ErrorCounter     *counter.Counter
}

var _ Notifier = (*BrokerNotifier)(nil)

// BrokerNotifier queues increment events in memory and publishes them from Run.
type BrokerNotifier struct {
	dial           Dialer
	events         chan Event
	connectLimiter *ratelimit.Bucket
	sendTimeout    time.Duration
	logger         *zap.SugaredLogger
	published      *counter.Counter
	errors         *counter.Counter
	now            func() time.Time
}

// NewBrokerNotifier returns a notifier that publishes nothing until Run is called.
func NewBrokerNotifier(cfg Config) *BrokerNotifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.PublishedCounter == nil {
		cfg.PublishedCounter = new(counter.Counter)
	}
	if cfg.ErrorCounter == nil {
		cfg.ErrorCounter = new(counter.Counter)
	}

	return &BrokerNotifier{
		dial:           cfg.Dial,
		events:         make(chan Event, cfg.BufferSize),
		connectLimiter: ratelimit.NewBucketWithQuantum(time.Second, cfg.ConnectRate, cfg.ConnectRate),
		sendTimeout:    cfg.SendTimeout,
		logger:         cfg.Logger,
		published:      cfg.PublishedCounter,
		errors:         cfg.ErrorCounter,
		now:            time.Now,
	}
}

// Notify enqueues the event, or drops it when the buffer is full.
func (n *BrokerNotifier) Notify(count int64) {
	select {
	case n.events <- Event{Count: count, Timestamp: n.now()}:
	default:
		n.errors.Inc()
		n.logger.Warnw("[events] Buffer full, dropping event", "count", count)
	}
}

// Run connects to the broker and publishes queued events until ctx is done.
// A lost connection is re-established, throttled by the connect limiter.
func (n *BrokerNotifier) Run(ctx context.Context) error {
	n.logger.Infof("[events] Start publishing increment events")

	var pending *Event
	for {
		if !n.waitConnect(ctx) {
			return nil
		}

		p, err := n.dial()

		if err != nil {
			n.logger.Errorw("[events] Error connecting to broker", "error", err)
			n.errors.Inc()
			continue
		}

		n.logger.Infof("[events] Connected to broker")

		pending, err = n.publish(ctx, p, pending)
		p.Close()

		if err == nil {
			return nil
		}

		n.logger.Errorw("[events] Connection to broker lost, reconnecting", "error", err)
	}
}

func (n *BrokerNotifier) waitConnect(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	d := n.connectLimiter.Take(1)
	if d <= 0 {
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// publish drains the buffer into p. It returns a nil error only when ctx is
// done; otherwise the returned event has not been delivered yet.
func (n *BrokerNotifier) publish(ctx context.Context, p Publisher, pending *Event) (*Event, error) {
	for {
		ev := pending
		if ev == nil {
			select {
			case <-ctx.Done():
				return nil, nil
			case e := <-n.events:
				ev = &e
			}
		}

		if err := n.send(ctx, p, *ev); err != nil {
			if ctx.Err() != nil {
				return ev, nil
			}
			n.errors.Inc()
			return ev, err
		}

		n.published.Inc()
		pending = nil
	}
}

func (n *BrokerNotifier) send(ctx context.Context, p Publisher, ev Event) error {
	body, err := json.Marshal(ev)

	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()

	if err := p.Send(ctx, body); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	n.logger.Debugw("[events] Published event", "count", ev.Count)
	return nil
}
