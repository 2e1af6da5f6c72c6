package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/efebarandurmaz/coderag/internal/ingest"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

// fakeEnqueuer fails the first failures calls.
type fakeEnqueuer struct {
	mu       sync.Mutex
	events   []ingest.ChangeEvent
	traces   []trace.TraceID
	failures int
	got      chan struct{}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, ev ingest.ChangeEvent) (string, error) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.traces = append(f.traces, trace.SpanContextFromContext(ctx).TraceID())
	var err error
	if f.failures > 0 {
		f.failures--
		err = errors.New("temporal unavailable")
	}
	f.mu.Unlock()
	f.got <- struct{}{}
	return "run-1", err
}

func (f *fakeEnqueuer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{Stream: "TEST_EVENTS", Subject: "test.changed", Durable: "test-ingest", RetryDelay: 50 * time.Millisecond}
}

func startConsumer(t *testing.T, nc *nats.Conn, enq Enqueuer) *Consumer {
	t.Helper()
	c, err := NewConsumer(nc, testOptions(), enq, quiet())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func storedMessages(t *testing.T, nc *nats.Conn) uint64 {
	t.Helper()
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	s, err := js.Stream(context.Background(), testOptions().Stream)
	require.NoError(t, err)
	info, err := s.Info(context.Background())
	require.NoError(t, err)
	return info.State.Msgs
}

func TestConsumer_EnqueuesWithTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	nc := startTestNATS(t)
	enq := &fakeEnqueuer{got: make(chan struct{}, 4)}
	startConsumer(t, nc, enq)

	pub, err := NewPublisher(context.Background(), nc, testOptions())
	require.NoError(t, err)

	ctx, span := tp.Tracer("test").Start(context.Background(), "push")
	err = pub.Publish(ctx, ingest.ChangeEvent{RepositoryID: "r1", Paths: []string{"a.txt"}})
	span.End()
	require.NoError(t, err)

	wait(t, enq.got)
	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Equal(t, "r1", enq.events[0].RepositoryID)
	require.Equal(t, []string{"a.txt"}, enq.events[0].Paths)
	require.Equal(t, span.SpanContext().TraceID(), enq.traces[0])
}

func TestConsumer_DeliversEventsStoredBeforeStart(t *testing.T) {
	nc := startTestNATS(t)
	pub, err := NewPublisher(context.Background(), nc, testOptions())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), ingest.ChangeEvent{RepositoryID: "r1"}))
	require.NoError(t, pub.Publish(context.Background(), ingest.ChangeEvent{RepositoryID: "r2"}))

	enq := &fakeEnqueuer{got: make(chan struct{}, 4)}
	startConsumer(t, nc, enq)
	wait(t, enq.got)
	wait(t, enq.got)

	enq.mu.Lock()
	require.Equal(t, "r1", enq.events[0].RepositoryID)
	require.Equal(t, "r2", enq.events[1].RepositoryID)
	enq.mu.Unlock()
	require.Eventually(t, func() bool { return storedMessages(t, nc) == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestConsumer_RedeliversAfterEnqueueFailure(t *testing.T) {
	nc := startTestNATS(t)
	enq := &fakeEnqueuer{failures: 1, got: make(chan struct{}, 4)}
	startConsumer(t, nc, enq)

	pub, err := NewPublisher(context.Background(), nc, testOptions())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), ingest.ChangeEvent{RepositoryID: "r1", Paths: []string{"a.txt"}}))

	wait(t, enq.got)
	wait(t, enq.got)
	require.Equal(t, 2, enq.calls())
	enq.mu.Lock()
	require.Equal(t, enq.events[0], enq.events[1])
	enq.mu.Unlock()

	// acked after the successful enqueue
	require.Eventually(t, func() bool { return storedMessages(t, nc) == 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestConsumer_TerminatesInvalidMessages(t *testing.T) {
	nc := startTestNATS(t)
	enq := &fakeEnqueuer{got: make(chan struct{}, 4)}
	startConsumer(t, nc, enq)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = js.Publish(ctx, "test.changed", []byte("{not json"))
	require.NoError(t, err)
	_, err = js.Publish(ctx, "test.changed", []byte(`{"paths":["a.txt"]}`))
	require.NoError(t, err)

	pub, err := NewPublisher(ctx, nc, testOptions())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, ingest.ChangeEvent{RepositoryID: "r2"}))

	wait(t, enq.got)
	require.Eventually(t, func() bool { return storedMessages(t, nc) == 0 }, 5*time.Second, 50*time.Millisecond)
	enq.mu.Lock()
	defer enq.mu.Unlock()
	require.Len(t, enq.events, 1)
	require.Equal(t, "r2", enq.events[0].RepositoryID)
}

func TestConsumer_StopWithoutStart(t *testing.T) {
	nc := startTestNATS(t)
	c, err := NewConsumer(nc, Options{}, &fakeEnqueuer{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Stop())
}

func TestNewMessage_RequiresRepository(t *testing.T) {
	_, err := newMessage(context.Background(), DefaultSubject, ingest.ChangeEvent{})
	require.Error(t, err)

	msg, err := newMessage(context.Background(), DefaultSubject, ingest.ChangeEvent{RepositoryID: "r1"})
	require.NoError(t, err)
	require.Equal(t, DefaultSubject, msg.Subject)
	require.JSONEq(t, `{"repositoryId":"r1"}`, string(msg.Data))
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, DefaultStream, o.Stream)
	require.Equal(t, DefaultSubject, o.Subject)
	require.Equal(t, DefaultDurable, o.Durable)
	require.Equal(t, DefaultMaxDeliver, o.MaxDeliver)
	require.Equal(t, DefaultAckWait, o.AckWait)
	require.Equal(t, DefaultRetryDelay, o.RetryDelay)

	o = Options{Subject: "x", MaxDeliver: -1}.withDefaults()
	require.Equal(t, "x", o.Subject)
	require.Equal(t, -1, o.MaxDeliver)
}

func TestHeaderCarrier(t *testing.T) {
	carrier := headerCarrier(nats.Header{})
	require.Equal(t, "", carrier.Get("traceparent"))
	require.Nil(t, carrier.Keys())

	carrier.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	require.Len(t, carrier.Keys(), 1)

	require.Equal(t, "", headerCarrier(nil).Get("traceparent"))
}
