package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/hostbridge/internal/hosttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetricsCollector(t *testing.T) {
	t.Run("collector aggregates counters", func(t *testing.T) {
		c := NewInMemoryMetricsCollector()

		c.RecordIssued("a")
		c.RecordIssued("a")
		c.RecordIssued("b")
		c.RecordCompleted("a", 10*time.Millisecond, true)
		c.RecordCompleted("b", 30*time.Millisecond, false)
		c.RecordSpurious(SpuriousUnknownID)
		c.RecordSendFailure("c")

		stats := c.GetStats()
		assert.Equal(t, int64(3), stats.CallsIssued)
		assert.Equal(t, int64(2), stats.IssuedByOperation["a"])
		assert.Equal(t, int64(1), stats.CallsSucceeded)
		assert.Equal(t, int64(1), stats.CallsFailed)
		assert.Equal(t, int64(1), stats.SendFailures)
		assert.Equal(t, int64(1), stats.SpuriousCompletions)
		assert.Equal(t, 20*time.Millisecond, stats.AverageRoundTrip)
	})

	t.Run("bridge reports through the collector", func(t *testing.T) {
		metrics := NewInMemoryMetricsCollector()
		host := hosttest.NewHost()
		b, err := NewBridge(host, WithMetrics(metrics))
		require.NoError(t, err)
		defer b.Close()
		host.Attach(b)

		ok, err := b.IssueCall(context.Background(), "ok", nil)
		require.NoError(t, err)
		bad, err := b.IssueCall(context.Background(), "bad", nil)
		require.NoError(t, err)

		require.NoError(t, host.Reply(ok.ID(), true))
		require.NoError(t, host.Fail(bad.ID(), "no"))
		require.NoError(t, host.Fail(bad.ID(), "again"))

		host.FailSends(errors.New("down"))
		_, err = b.IssueCall(context.Background(), "lost", nil)
		require.Error(t, err)

		stats := metrics.GetStats()
		assert.Equal(t, int64(2), stats.CallsIssued)
		assert.Equal(t, int64(1), stats.CallsSucceeded)
		assert.Equal(t, int64(1), stats.CallsFailed)
		assert.Equal(t, int64(1), stats.SendFailures)
		assert.Equal(t, int64(1), stats.SpuriousCompletions)
	})
}
