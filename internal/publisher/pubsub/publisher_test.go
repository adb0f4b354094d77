package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	// Publishing through the fake server creates the topic.
	srv.Publish("projects/test-project/topics/harvest-runs", []byte("seed"), nil)

	pub := New(client)
	defer pub.Stop()

	payload := map[string]any{"run_id": "run-1", "persisted": 3}
	id, err := pub.Publish(context.Background(), "harvest-runs", payload)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Data, &got))
	require.Equal(t, "run-1", got["run_id"])
	require.InDelta(t, 3, got["persisted"], 0)
}

func TestPublisherCarriesTraceContext(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	srv.Publish("projects/test-project/topics/harvest-runs", []byte("seed"), nil)

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "harvest.run")
	defer span.End()

	pub := New(client, WithPropagator(propagation.TraceContext{}))
	defer pub.Stop()

	_, err := pub.Publish(ctx, "harvest-runs", map[string]string{"run_id": "run-1"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	traceparent := msgs[1].Attributes["traceparent"]
	require.Contains(t, traceparent, span.SpanContext().TraceID().String())
	require.Contains(t, traceparent, span.SpanContext().SpanID().String())
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client)
	defer pub.Stop()

	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "harvest-runs", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(context.Background(), "missing-topic", "x")
	require.Error(t, err)
}
