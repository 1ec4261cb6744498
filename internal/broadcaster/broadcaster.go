// Package broadcaster pushes job status changes to every connected
// observer. It is the single consumer of the internal event producer and
// owns the set of live observer connections.
package broadcaster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/events"
	"github.com/testfleet/orchestrator/pkg/metrics"
)

const eventName = "job-status-update"

// SummarySource provides the point-in-time aggregate pushed alongside each
// delta. The read has no ordering guarantee relative to in-flight
// transitions; an observer may see a summary one event behind a delta.
type SummarySource interface {
	Summary() api.JobStatusSummary
}

// Event is a single frame pushed to an observer connection.
type Event struct {
	Name string
	Data any
}

// Connection is one live observer. Events are read from Events(); the
// channel is closed when the connection is pruned, expires or the
// broadcaster shuts down.
type Connection struct {
	id       string
	openedAt time.Time
	events   chan Event
	closed   sync.Once
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Events() <-chan Event {
	return c.events
}

func (c *Connection) close() {
	c.closed.Do(func() {
		close(c.events)
	})
}

type Broadcaster struct {
	source     SummarySource
	maxAge     time.Duration
	bufferSize int

	mu    sync.Mutex
	conns map[string]*Connection
}

var _ events.Writer = (*Broadcaster)(nil)

func New(source SummarySource, maxAge time.Duration, bufferSize int) *Broadcaster {
	return &Broadcaster{
		source:     source,
		maxAge:     maxAge,
		bufferSize: bufferSize,
		conns:      make(map[string]*Connection),
	}
}

// Subscribe registers a new observer connection. The current global summary
// is computed and pushed asynchronously as the first event so the caller is
// not blocked; if the push fails the registration is cleaned up without
// leaking.
func (b *Broadcaster) Subscribe() *Connection {
	b.mu.Lock()
	conn := &Connection{
		id:       uuid.NewString(),
		openedAt: time.Now(),
		events:   make(chan Event, b.bufferSize),
	}
	b.conns[conn.id] = conn
	count := len(b.conns)
	b.mu.Unlock()

	metrics.UpdateStreamConnectionsMetric(count)
	zap.S().Named("broadcaster").Debugw("observer connected", "connection_id", conn.id, "active_connections", count)

	go func() {
		// The connection is registered before the snapshot lands, so a job
		// update broadcast in that window can arrive ahead of the snapshot.
		// The snapshot is a full summary, so a stale one is corrected by the
		// next delta; ordering here is not guaranteed.
		summary := b.source.Summary()
		if !b.push(conn, Event{Name: eventName, Data: summaryEvent(summary)}) {
			b.Unsubscribe(conn)
		}
	}()

	return conn
}

// Unsubscribe removes the connection and closes its event channel. Safe to
// call more than once.
func (b *Broadcaster) Unsubscribe(conn *Connection) {
	b.mu.Lock()
	_, found := b.conns[conn.id]
	delete(b.conns, conn.id)
	count := len(b.conns)
	b.mu.Unlock()

	conn.close()

	if found {
		metrics.UpdateStreamConnectionsMetric(count)
		zap.S().Named("broadcaster").Debugw("observer disconnected", "connection_id", conn.id, "active_connections", count)
	}
}

// Write makes the broadcaster the event producer's sink. It decodes the job
// payload and fans it out to every live connection.
func (b *Broadcaster) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	if e.Type() != events.JobMessageKind {
		return nil
	}

	var event events.JobChangedEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		return err
	}

	b.broadcast(event.Job)
	return nil
}

// Close terminates every observer connection.
func (b *Broadcaster) Close(_ context.Context) error {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[string]*Connection)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	metrics.UpdateStreamConnectionsMetric(0)
	return nil
}

// broadcast pushes a per-job delta plus a recomputed summary to every live
// connection. A failed or expired connection is pruned without disturbing
// delivery to the others.
func (b *Broadcaster) broadcast(job api.Job) {
	conns := b.snapshot()
	if len(conns) == 0 {
		return
	}

	delta := api.JobDelta{
		Type:         api.StreamEventDelta,
		JobID:        job.ID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		Timestamp:    time.Now().UTC(),
	}
	summary := summaryEvent(b.source.Summary())

	var dead []*Connection
	now := time.Now()
	for _, conn := range conns {
		if b.maxAge > 0 && now.Sub(conn.openedAt) > b.maxAge {
			dead = append(dead, conn)
			continue
		}
		if !b.push(conn, Event{Name: eventName, Data: delta}) {
			dead = append(dead, conn)
			continue
		}
		if !b.push(conn, Event{Name: eventName, Data: summary}) {
			dead = append(dead, conn)
		}
	}

	for _, conn := range dead {
		zap.S().Named("broadcaster").Debugw("pruning dead observer", "connection_id", conn.id)
		b.Unsubscribe(conn)
	}
}

// push delivers without blocking. A connection whose buffer is full is
// reported as failed, exactly like a disconnected one.
func (b *Broadcaster) push(conn *Connection, e Event) (delivered bool) {
	defer func() {
		// the channel may close concurrently with a push
		if recover() != nil {
			delivered = false
		}
	}()

	select {
	case conn.events <- e:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) snapshot() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	return conns
}

func summaryEvent(s api.JobStatusSummary) api.SummaryEvent {
	return api.SummaryEvent{
		Type:            api.StreamEventSummary,
		TotalActiveJobs: s.TotalActiveJobs,
		AsyncJobs:       s.AsyncJobs,
		SyncJobs:        s.SyncJobs,
		Timestamp:       time.Now().UTC(),
	}
}
