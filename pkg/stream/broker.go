// Package stream serves Server-Sent-Event streams over three sequence
// spaces: run events, project activity, and per-user notifications. Every
// stream replays durable backlog first, then tails the Store by polling,
// with comment heartbeats keeping idle connections alive.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/store"
)

// Kind identifies the sequence space of a stream.
type Kind string

const (
	KindRunEvents     Kind = "run-events"
	KindActivity      Kind = "project-activity"
	KindNotifications Kind = "notifications"
)

// Frame is one SSE frame: id carries the sequence, event the kind label,
// data the JSON payload.
type Frame struct {
	Seq   int64
	Event string
	Data  []byte
}

// Source pages frames with sequence greater than afterSeq, in order.
type Source func(ctx context.Context, afterSeq int64, limit int) ([]Frame, error)

// Flusher is the subset of http.Flusher the broker needs.
type Flusher interface {
	Flush()
}

// Options tune a single stream.
type Options struct {
	AfterSeq int64
	Once     bool
}

// Broker owns the shared stream configuration and the concurrency limiter.
type Broker struct {
	store        *store.Store
	clock        ids.Clock
	limiter      Limiter
	heartbeat    time.Duration
	pollInterval time.Duration
	maxReplay    int
	maxDuration  time.Duration
	idleTimeout  time.Duration
	logger       *slog.Logger
}

// BrokerOptions carries the operator knobs.
type BrokerOptions struct {
	Heartbeat    time.Duration
	PollInterval time.Duration
	MaxReplay    int
	MaxDuration  time.Duration
	IdleTimeout  time.Duration
	Limiter      Limiter
	Logger       *slog.Logger
}

// NewBroker constructs the broker.
func NewBroker(st *store.Store, clock ids.Clock, opts BrokerOptions) *Broker {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxReplay <= 0 {
		opts.MaxReplay = 500
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = time.Hour
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLocalLimiter(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker{
		store:        st,
		clock:        clock,
		limiter:      opts.Limiter,
		heartbeat:    opts.Heartbeat,
		pollInterval: opts.PollInterval,
		maxReplay:    opts.MaxReplay,
		maxDuration:  opts.MaxDuration,
		idleTimeout:  opts.IdleTimeout,
		logger:       opts.Logger.With("component", "stream"),
	}
}

// Serve writes one stream to w until replay finishes (once=true), the client
// disconnects, or a duration/idle limit trips. The caller must have set the
// SSE response headers before calling.
func (b *Broker) Serve(ctx context.Context, w io.Writer, f Flusher, kind Kind, userID string, src Source, opts Options) error {
	release, err := b.limiter.Acquire(ctx, userID, kind)
	if err != nil {
		return err
	}
	defer release()

	b.count(ctx, "sse_connections_total")
	b.gauge(ctx, kind, +1)
	defer func() {
		b.gauge(ctx, kind, -1)
		b.count(ctx, "sse_disconnects_total")
	}()

	// Open with one heartbeat carrying the server time.
	if err := b.writeHeartbeat(w, f); err != nil {
		return nil
	}

	cursor := opts.AfterSeq
	cursor, _, err = b.replay(ctx, w, f, src, cursor)
	if err != nil {
		return err
	}
	if opts.Once {
		return nil
	}

	deadline := time.NewTimer(b.maxDuration)
	defer deadline.Stop()
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(b.heartbeat)
	defer heartbeat.Stop()
	lastData := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-heartbeat.C:
			if err := b.writeHeartbeat(w, f); err != nil {
				return nil
			}
		case <-poll.C:
			next, emitted, err := b.replay(ctx, w, f, src, cursor)
			if err != nil {
				b.logger.Warn("stream poll failed", "kind", string(kind), "error", err)
				return nil
			}
			cursor = next
			if emitted {
				lastData = time.Now()
			} else if time.Since(lastData) > b.idleTimeout {
				return nil
			}
		}
	}
}

// replay pages frames after cursor up to the replay cap, returning the new
// cursor and whether anything was written.
func (b *Broker) replay(ctx context.Context, w io.Writer, f Flusher, src Source, cursor int64) (int64, bool, error) {
	frames, err := src(ctx, cursor, b.maxReplay)
	if err != nil {
		return cursor, false, err
	}
	for _, frame := range frames {
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", frame.Seq, frame.Event, frame.Data); err != nil {
			return cursor, false, err
		}
		cursor = frame.Seq
	}
	if len(frames) > 0 {
		f.Flush()
	}
	return cursor, len(frames) > 0, nil
}

func (b *Broker) writeHeartbeat(w io.Writer, f Flusher) error {
	if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", b.clock.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func (b *Broker) count(ctx context.Context, name string) {
	if err := b.store.IncrCounter(ctx, name, 1); err != nil {
		b.logger.Warn("counter update failed", "counter", name, "error", err)
	}
}

func (b *Broker) gauge(ctx context.Context, kind Kind, delta float64) {
	name := "sse.active_streams_by_type." + string(kind)
	if err := b.store.AddGauge(ctx, name, delta); err != nil {
		b.logger.Warn("gauge update failed", "gauge", name, "error", err)
	}
}

// RunEventsSource streams a run's committed events by seq.
func (b *Broker) RunEventsSource(runID string) Source {
	return func(ctx context.Context, afterSeq int64, limit int) ([]Frame, error) {
		events, err := b.store.ListEvents(ctx, runID, store.EventFilter{AfterSeq: afterSeq, Limit: limit})
		if err != nil {
			return nil, err
		}
		frames := make([]Frame, 0, len(events))
		for i := range events {
			data, err := json.Marshal(&events[i])
			if err != nil {
				return nil, err
			}
			frames = append(frames, Frame{Seq: events[i].Seq, Event: events[i].Kind, Data: data})
		}
		return frames, nil
	}
}

// ActivitySource streams a project's activity rows by activity_seq.
func (b *Broker) ActivitySource(projectID string) Source {
	return func(ctx context.Context, afterSeq int64, limit int) ([]Frame, error) {
		rows, err := b.store.ListActivity(ctx, projectID, afterSeq, limit)
		if err != nil {
			return nil, err
		}
		frames := make([]Frame, 0, len(rows))
		for i := range rows {
			data, err := json.Marshal(&rows[i])
			if err != nil {
				return nil, err
			}
			frames = append(frames, Frame{Seq: rows[i].ActivitySeq, Event: rows[i].Kind, Data: data})
		}
		return frames, nil
	}
}

// NotificationsSource streams a user's notifications by notification_seq.
func (b *Broker) NotificationsSource(userID string) Source {
	return func(ctx context.Context, afterSeq int64, limit int) ([]Frame, error) {
		rows, err := b.store.ListNotifications(ctx, userID, false, afterSeq, limit)
		if err != nil {
			return nil, err
		}
		frames := make([]Frame, 0, len(rows))
		for i := range rows {
			data, err := json.Marshal(&rows[i])
			if err != nil {
				return nil, err
			}
			frames = append(frames, Frame{Seq: rows[i].NotificationSeq, Event: rows[i].Kind, Data: data})
		}
		return frames, nil
	}
}
