package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	failures int32
	calls    atomic.Int32
	inner    *MemorySink
}

func (f *flakySink) Append(ctx context.Context, env Envelope) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("transient")
	}
	return f.inner.Append(ctx, env)
}

func TestMemorySink_DropsDuplicates(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Envelope{ID: "1", Type: "a", IdempotencyKey: "k"}))
	require.NoError(t, s.Append(ctx, Envelope{ID: "2", Type: "a", IdempotencyKey: "k"}))
	require.NoError(t, s.Append(ctx, Envelope{ID: "3", Type: "b"}))
	require.NoError(t, s.Append(ctx, Envelope{ID: "4", Type: "b"}))

	assert.Len(t, s.Events(), 3)
	assert.Len(t, s.OfType("a"), 1)
	assert.Equal(t, "1", s.OfType("a")[0].ID)
}

func TestMultiSink(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	failing := &flakySink{failures: 100, inner: NewMemorySink()}

	err := MultiSink{a, nil, failing, b}.Append(context.Background(), Envelope{ID: "1"})
	assert.EqualError(t, err, "transient")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later sinks still receive the event")
}

func TestEmitSafe(t *testing.T) {
	t.Run("retries once", func(t *testing.T) {
		sink := &flakySink{failures: 1, inner: NewMemorySink()}
		EmitSafe(context.Background(), sink, Envelope{ID: "1"}, nil)
		assert.Equal(t, int32(2), sink.calls.Load())
		assert.Len(t, sink.inner.Events(), 1)
	})

	t.Run("gives up after two attempts", func(t *testing.T) {
		sink := &flakySink{failures: 5, inner: NewMemorySink()}
		EmitSafe(context.Background(), sink, Envelope{ID: "1"}, nil)
		assert.Equal(t, int32(2), sink.calls.Load())
		assert.Empty(t, sink.inner.Events())
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		sink := &flakySink{failures: 5, inner: NewMemorySink()}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		EmitSafe(ctx, sink, Envelope{ID: "1"}, nil)
		assert.Equal(t, int32(1), sink.calls.Load())
	})

	t.Run("nil sink", func(t *testing.T) {
		assert.NotPanics(t, func() { EmitSafe(context.Background(), nil, Envelope{}, nil) })
	})
}
