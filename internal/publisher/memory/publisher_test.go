package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pom-harvester/internal/harvest"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "harvest-runs", map[string]string{"run_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "harvest-runs", msgs[0].Topic)
	require.JSONEq(t, `{"run_id":"a"}`, string(msgs[0].Data))
	require.Equal(t, "payload", msgs[1].Payload)
}

func TestPublisherSummariesRoundTrip(t *testing.T) {
	t.Parallel()

	pub := New()
	summary := harvest.RunSummary{
		RunID:      "run-1",
		StartedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC),
		Persisted:  12,
		Skipped:    3,
	}
	_, err := pub.Publish(context.Background(), "harvest-runs", summary)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "elsewhere", summary)
	require.NoError(t, err)

	got, err := pub.Summaries("harvest-runs")
	require.NoError(t, err)
	require.Equal(t, []harvest.RunSummary{summary}, got)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
	_, err = pub.Publish(context.Background(), "harvest-runs", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
	require.Empty(t, pub.Messages())
}

func TestPublisherHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := New()
	_, err := pub.Publish(ctx, "harvest-runs", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
