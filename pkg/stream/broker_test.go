package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

type nopFlusher struct{}

func (nopFlusher) Flush() {}

// syncBuffer makes bytes.Buffer safe to read while the broker writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newBrokerFixture(t *testing.T, opts BrokerOptions) (*Broker, *eventlog.Log, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.CreateProject(ctx, &model.Project{ProjectID: "p1", Name: "p", CreatedAt: now}))
	require.NoError(t, st.CreateThread(ctx, &model.Thread{ThreadID: "t1", ProjectID: "p1", Title: "t", CreatedAt: now}))
	require.NoError(t, st.CreateRun(ctx, &model.Run{
		RunID: "r1", ThreadID: "t1", Status: model.RunStatusRunning,
		CreatedByUserID: "alice", CreatedAt: now,
	}))

	reg, err := eventlog.NewRegistry()
	require.NoError(t, err)
	clock := ids.NewMonotonicClock()
	log := eventlog.New(st, reg, quota.Guard{}, clock, nil, nil)
	return NewBroker(st, clock, opts), log, st
}

func appendMessage(t *testing.T, log *eventlog.Log, text string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"text": text})
	_, err := log.Append(context.Background(), model.EventIntent{
		RunID: "r1", Kind: "user_message", Payload: payload, Actor: model.ActorUser,
	}, "alice")
	require.NoError(t, err)
}

func TestServeOnceReplaysBacklog(t *testing.T) {
	b, log, _ := newBrokerFixture(t, BrokerOptions{})
	for i := 0; i < 3; i++ {
		appendMessage(t, log, fmt.Sprintf("m%d", i))
	}

	var buf bytes.Buffer
	err := b.Serve(context.Background(), &buf, nopFlusher{}, KindRunEvents, "alice",
		b.RunEventsSource("r1"), Options{Once: true})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, ": heartbeat "))
	for seq := 1; seq <= 3; seq++ {
		assert.Contains(t, out, fmt.Sprintf("id: %d\nevent: user_message\ndata: ", seq))
	}
	// Frames arrive in seq order.
	assert.Less(t, strings.Index(out, "id: 1\n"), strings.Index(out, "id: 2\n"))
	assert.Less(t, strings.Index(out, "id: 2\n"), strings.Index(out, "id: 3\n"))
}

func TestServeResumesAfterSeq(t *testing.T) {
	b, log, _ := newBrokerFixture(t, BrokerOptions{})
	for i := 0; i < 3; i++ {
		appendMessage(t, log, fmt.Sprintf("m%d", i))
	}

	var buf bytes.Buffer
	err := b.Serve(context.Background(), &buf, nopFlusher{}, KindRunEvents, "alice",
		b.RunEventsSource("r1"), Options{AfterSeq: 2, Once: true})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "id: 1\n")
	assert.NotContains(t, out, "id: 2\n")
	assert.Contains(t, out, "id: 3\n")
}

func TestHeartbeatFormat(t *testing.T) {
	b, _, _ := newBrokerFixture(t, BrokerOptions{})

	var buf bytes.Buffer
	err := b.Serve(context.Background(), &buf, nopFlusher{}, KindRunEvents, "alice",
		b.RunEventsSource("r1"), Options{Once: true})
	require.NoError(t, err)

	// SSE comment line, so clients ignore it but proxies see traffic.
	re := regexp.MustCompile(`^: heartbeat \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z?[+\-:\d]*\n\n`)
	assert.Regexp(t, re, buf.String())
}

func TestServeTailPicksUpNewEvents(t *testing.T) {
	b, log, _ := newBrokerFixture(t, BrokerOptions{
		PollInterval: 10 * time.Millisecond,
		Heartbeat:    time.Hour,
	})
	appendMessage(t, log, "before")

	ctx, cancel := context.WithCancel(context.Background())
	var buf syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(ctx, &buf, nopFlusher{}, KindRunEvents, "alice",
			b.RunEventsSource("r1"), Options{})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "id: 1\n")
	}, 2*time.Second, 10*time.Millisecond)

	appendMessage(t, log, "after")
	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "id: 2\n")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestServeStopsAtMaxDuration(t *testing.T) {
	b, _, _ := newBrokerFixture(t, BrokerOptions{
		MaxDuration:  30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Heartbeat:    time.Hour,
		IdleTimeout:  time.Hour,
	})

	var buf bytes.Buffer
	start := time.Now()
	err := b.Serve(context.Background(), &buf, nopFlusher{}, KindRunEvents, "alice",
		b.RunEventsSource("r1"), Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServeTracksConnectionCounters(t *testing.T) {
	b, _, st := newBrokerFixture(t, BrokerOptions{})
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, b.Serve(ctx, &buf, nopFlusher{}, KindRunEvents, "alice",
		b.RunEventsSource("r1"), Options{Once: true}))

	counters, err := st.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["sse_connections_total"])
	assert.Equal(t, int64(1), counters["sse_disconnects_total"])

	gauges, err := st.Gauges(ctx)
	require.NoError(t, err)
	assert.Zero(t, gauges["sse.active_streams_by_type.run-events"])
}

func TestLocalLimiterBoundsPerUserKind(t *testing.T) {
	l := NewLocalLimiter(2)
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "alice", KindRunEvents)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "alice", KindRunEvents)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "alice", KindRunEvents)
	assert.True(t, fault.IsKind(err, fault.KindTooManyConcurrentStreams))

	// Other users and other kinds are unaffected.
	_, err = l.Acquire(ctx, "bob", KindRunEvents)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "alice", KindNotifications)
	require.NoError(t, err)

	// Release frees a slot; double-release must not go negative.
	r1()
	r1()
	_, err = l.Acquire(ctx, "alice", KindRunEvents)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "alice", KindRunEvents)
	assert.True(t, fault.IsKind(err, fault.KindTooManyConcurrentStreams))
}

func TestLocalLimiterZeroIsUnlimited(t *testing.T) {
	l := NewLocalLimiter(0)
	for i := 0; i < 50; i++ {
		_, err := l.Acquire(context.Background(), "alice", KindRunEvents)
		require.NoError(t, err)
	}
}

func TestNotificationsSourceFramesBySeq(t *testing.T) {
	b, _, st := newBrokerFixture(t, BrokerOptions{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := st.InsertNotification(ctx, &model.Notification{
			NotificationID: ids.New(), UserID: "alice", Kind: "run_tool_error",
			Payload: json.RawMessage(`{}`), RunID: "r1", CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	frames, err := b.NotificationsSource("alice")(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1), frames[0].Seq)
	assert.Equal(t, int64(2), frames[1].Seq)
	assert.Equal(t, "run_tool_error", frames[0].Event)
}
