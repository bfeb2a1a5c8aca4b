package events

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSSE(&buf, Ready("req-1")))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: ready\n"))
	assert.Contains(t, out, `data: {"request_id":"req-1"}`)
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestEncodeSSEScore(t *testing.T) {
	var buf bytes.Buffer
	tau := 0.7
	require.NoError(t, EncodeSSE(&buf, Score(ScorePayload{
		S1: 0.8, S2: 0.9, FinalScore: 0.85, CPAccept: true, CPTau: &tau,
	})))
	assert.Contains(t, buf.String(), `"cp_tau":0.7`)
	assert.Contains(t, buf.String(), `"cp_accept":true`)
}

type fakeFlusher struct{ flushes int }

func (f *fakeFlusher) Flush() { f.flushes++ }

func TestSSEWriterFlushes(t *testing.T) {
	var buf bytes.Buffer
	f := &fakeFlusher{}
	w := NewSSEWriter(&buf, f)
	require.NoError(t, w.Write(Heartbeat()))
	require.NoError(t, w.Write(Error("validation", "bad input")))
	assert.Equal(t, 2, f.flushes)
	assert.Contains(t, buf.String(), "event: heartbeat\n")
	assert.Contains(t, buf.String(), "event: error\n")
}

func TestBufferOrdering(t *testing.T) {
	b := NewBuffer(8)
	ctx := context.Background()
	b.Push(ctx, Ready("r"))
	b.Push(ctx, Token("hello"))
	b.Push(ctx, Final(map[string]string{"answer": "x"}))
	b.Close()

	names := []string{}
	for {
		ev, ok := b.Next(ctx)
		if !ok {
			break
		}
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{NameReady, NameToken, NameFinal}, names)
}

func TestBufferShedsHeartbeatsFirst(t *testing.T) {
	b := NewBuffer(2)
	ctx := context.Background()

	require.True(t, b.Push(ctx, Heartbeat()))
	require.True(t, b.Push(ctx, Token("a")))

	// Full buffer: incoming heartbeat is dropped.
	assert.False(t, b.Push(ctx, Heartbeat()))

	// Full buffer: substantive event evicts the buffered heartbeat.
	require.True(t, b.Push(ctx, Token("b")))
	assert.Equal(t, 2, b.Dropped())

	b.Close()
	ev, ok := b.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, NameToken, ev.Name)
	ev, ok = b.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, NameToken, ev.Name)
	_, ok = b.Next(ctx)
	assert.False(t, ok)
}

func TestBufferBlockedPushUnblocksOnRead(t *testing.T) {
	b := NewBuffer(1)
	ctx := context.Background()
	require.True(t, b.Push(ctx, Token("a")))

	done := make(chan bool, 1)
	go func() {
		done <- b.Push(ctx, Token("b"))
	}()

	// Reader frees space for the blocked producer.
	time.Sleep(10 * time.Millisecond)
	ev, ok := b.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", ev.Data.(map[string]string)["text"])

	select {
	case pushed := <-done:
		assert.True(t, pushed)
	case <-time.After(time.Second):
		t.Fatal("producer never unblocked")
	}
}

func TestBufferPushContextCancel(t *testing.T) {
	b := NewBuffer(1)
	require.True(t, b.Push(context.Background(), Token("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, b.Push(ctx, Token("b")))
}

func TestGovEventShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSSE(&buf, Gov(false, []string{"pcn_failure:p1"})))
	assert.Contains(t, buf.String(), `"dag_delta"`)
	assert.Contains(t, buf.String(), `"pcn_failure:p1"`)
}
