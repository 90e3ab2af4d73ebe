package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
)

// subscriberBuffer bounds a subscriber channel; slow consumers drop events
// rather than stall the publisher.
const subscriberBuffer = 256

// Bus appends job events to the store and fans them out to subscribers. The
// store is authoritative; the redis publish is best-effort for external
// listeners.
type Bus struct {
	store  *Store
	redis  *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[string]map[chan model.ProgressEvent]struct{}
	done map[string]bool
}

// NewBus wraps the store. redisClient may be nil to disable pub/sub.
func NewBus(store *Store, redisClient *redis.Client, channelPrefix string) *Bus {
	if channelPrefix == "" {
		channelPrefix = "discovery"
	}
	return &Bus{
		store:  store,
		redis:  redisClient,
		prefix: channelPrefix,
		subs:   make(map[string]map[chan model.ProgressEvent]struct{}),
		done:   make(map[string]bool),
	}
}

func (b *Bus) channel(jobID string) string {
	return fmt.Sprintf("%s:%s:events", b.prefix, jobID)
}

// Publish appends an event to the job's history and delivers it to live
// subscribers. Events after the terminal event are dropped.
func (b *Bus) Publish(ctx context.Context, jobID string, event model.ProgressEvent) error {
	return b.publish(ctx, jobID, event, false)
}

// PublishTerminal publishes the job's final event and closes all subscriber
// channels.
func (b *Bus) PublishTerminal(ctx context.Context, jobID string, event model.ProgressEvent) error {
	return b.publish(ctx, jobID, event, true)
}

// publish appends and fans out under one lock so an event can never land in
// the store without also reaching every channel registered at that moment.
// Subscribe takes the same lock around its replay, which closes the gap
// between reading the history and attaching.
func (b *Bus) publish(ctx context.Context, jobID string, event model.ProgressEvent, terminal bool) error {
	b.mu.Lock()
	if b.done[jobID] {
		b.mu.Unlock()
		return nil
	}
	if err := b.store.AppendEvent(ctx, jobID, event); err != nil {
		b.mu.Unlock()
		return err
	}
	if terminal {
		b.done[jobID] = true
	}
	for ch := range b.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
	if terminal {
		for ch := range b.subs[jobID] {
			close(ch)
		}
		delete(b.subs, jobID)
	}
	b.mu.Unlock()

	if b.redis != nil {
		payload, err := json.Marshal(event)
		if err == nil {
			err = b.redis.Publish(ctx, b.channel(jobID), payload).Err()
		}
		if err != nil {
			zap.L().Warn("event publish to redis failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Subscribe replays the job's stored history on the returned channel and
// then streams live events. The channel is closed after replay when the job
// is already terminal, and on the terminal event otherwise. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressEvent, error) {
	// Reading the history and registering happen under the publish lock, so
	// an event appended concurrently is either in the replay or delivered
	// live, never lost between the two.
	b.mu.Lock()
	defer b.mu.Unlock()

	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ch := make(chan model.ProgressEvent, subscriberBuffer+len(job.Events))
	for _, event := range job.Events {
		ch <- event
	}

	if job.Status.Terminal() || b.done[jobID] {
		close(ch)
		return ch, nil
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan model.ProgressEvent]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	return ch, nil
}

// Unsubscribe detaches a subscriber channel.
func (b *Bus) Unsubscribe(jobID string, ch <-chan model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		if sub == ch {
			delete(b.subs[jobID], sub)
			close(sub)
			return
		}
	}
}

// MarkDone flags a job as terminal without an extra event, used when a
// terminal transition happened outside the bus.
func (b *Bus) MarkDone(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done[jobID] {
		return
	}
	b.done[jobID] = true
	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
