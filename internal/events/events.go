// Package events carries repository-changed notifications over NATS
// JetStream with OpenTelemetry trace propagation. Events are stored in a
// work-queue stream and acknowledged only after the trigger accepted them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/efebarandurmaz/coderag/internal/ingest"
)

const (
	// DefaultSubject is the subject repository-changed events are sent on.
	DefaultSubject = "coderag.repository.changed"
	// DefaultStream stores the events until a worker acknowledges them.
	DefaultStream = "CODERAG_EVENTS"
	// DefaultDurable is the durable consumer shared by all workers.
	DefaultDurable = "coderag-ingest"
	// DefaultMaxDeliver bounds redeliveries of an event that keeps failing.
	DefaultMaxDeliver = 10
	// DefaultAckWait is how long the server waits for an ack before
	// redelivering.
	DefaultAckWait = 30 * time.Second
	// DefaultRetryDelay delays redelivery after a failed enqueue.
	DefaultRetryDelay = 5 * time.Second

	enqueueTimeout = 30 * time.Second
	stopTimeout    = 10 * time.Second
)

// Options names the stream and durable consumer. Zero values select the
// defaults.
type Options struct {
	Stream     string
	Subject    string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = DefaultStream
	}
	if o.Subject == "" {
		o.Subject = DefaultSubject
	}
	if o.Durable == "" {
		o.Durable = DefaultDurable
	}
	if o.MaxDeliver == 0 {
		o.MaxDeliver = DefaultMaxDeliver
	}
	if o.AckWait <= 0 {
		o.AckWait = DefaultAckWait
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// headerCarrier adapts NATS headers for OTel TextMapCarrier.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string {
	return nats.Header(c).Get(key)
}

func (c headerCarrier) Set(key, val string) {
	nats.Header(c).Set(key, val)
}

func (c headerCarrier) Keys() []string {
	if len(c) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// EnsureStream creates the work-queue stream for subject, or updates it if
// it already exists.
func EnsureStream(ctx context.Context, js jetstream.JetStream, stream, subject string) (jetstream.Stream, error) {
	s, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return s, nil
}

// Publisher persists change events in the stream.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// NewPublisher connects a Publisher to JetStream and makes sure the
// stream exists.
func NewPublisher(ctx context.Context, nc *nats.Conn, opts Options) (*Publisher, error) {
	opts = opts.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := EnsureStream(ctx, js, opts.Stream, opts.Subject); err != nil {
		return nil, err
	}
	return &Publisher{js: js, subject: opts.Subject}, nil
}

// Publish stores ev in the stream and waits for the server's ack. Trace
// context from ctx is injected into the message headers.
func (p *Publisher) Publish(ctx context.Context, ev ingest.ChangeEvent) error {
	msg, err := newMessage(ctx, p.subject, ev)
	if err != nil {
		return err
	}
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

func newMessage(ctx context.Context, subject string, ev ingest.ChangeEvent) (*nats.Msg, error) {
	if ev.RepositoryID == "" {
		return nil, errors.New("publish: missing repository id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	return msg, nil
}

// Enqueuer accepts change events.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev ingest.ChangeEvent) (string, error)
}

// Consumer hands stored change events to an Enqueuer. An event is acked
// once enqueued and redelivered when enqueueing fails.
type Consumer struct {
	js       jetstream.JetStream
	opts     Options
	enqueuer Enqueuer
	log      *slog.Logger
	cc       jetstream.ConsumeContext
}

// NewConsumer creates a Consumer on nc.
func NewConsumer(nc *nats.Conn, opts Options, enqueuer Enqueuer, log *slog.Logger) (*Consumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{js: js, opts: opts.withDefaults(), enqueuer: enqueuer, log: log}, nil
}

// Start ensures the stream and durable consumer exist and begins
// consuming. Events stored while no worker was running are delivered now.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := EnsureStream(ctx, c.js, c.opts.Stream, c.opts.Subject)
	if err != nil {
		return err
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.opts.AckWait,
		MaxDeliver:    c.opts.MaxDeliver,
		FilterSubject: c.opts.Subject,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", c.opts.Durable, err)
	}
	cc, err := cons.Consume(c.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Subject, err)
	}
	c.cc = cc
	c.log.Info("consuming repository events",
		"stream", c.opts.Stream, "subject", c.opts.Subject, "durable", c.opts.Durable)
	return nil
}

// Stop drains buffered messages and stops consuming.
func (c *Consumer) Stop() error {
	if c.cc == nil {
		return nil
	}
	c.cc.Drain()
	select {
	case <-c.cc.Closed():
		return nil
	case <-time.After(stopTimeout):
		c.cc.Stop()
		return errors.New("events: consumer did not drain in time")
	}
}

func (c *Consumer) handle(msg jetstream.Msg) {
	var ev ingest.ChangeEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.log.Warn("dropping malformed event", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	if ev.RepositoryID == "" {
		c.log.Warn("dropping event without repository id", "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(msg.Headers()))
	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	if _, err := c.enqueuer.Enqueue(ctx, ev); err != nil {
		var delivered uint64
		if md, mdErr := msg.Metadata(); mdErr == nil {
			delivered = md.NumDelivered
		}
		c.log.Error("enqueue failed, event will be redelivered",
			"repository", ev.RepositoryID, "delivered", delivered, "error", err)
		_ = msg.NakWithDelay(c.opts.RetryDelay)
		return
	}
	if err := msg.Ack(); err != nil {
		c.log.Warn("ack failed", "repository", ev.RepositoryID, "error", err)
	}
}
