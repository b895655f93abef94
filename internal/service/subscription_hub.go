package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

const (
	defaultSubscriptionBuffer = 16
	defaultIdleTimeout        = 30 * time.Minute

	// TransportSSE and TransportWebSocket label subscriptions in metrics and logs.
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// JobReader resolves the current state of a job.
type JobReader interface {
	Get(ctx context.Context, id string) (models.Job, error)
}

// JobEventPublisher fans a job event out to subscribers and reports how many
// local subscribers received it.
type JobEventPublisher interface {
	Publish(ctx context.Context, event models.JobEvent) int
}

// SubscriptionHub manages live push channels per job id.
type SubscriptionHub interface {
	JobEventPublisher
	Subscribe(ctx context.Context, jobID string, transport string) (*Subscription, error)
	CloseIdle(now time.Time) int
	CloseAll() int
	Run(ctx context.Context, interval time.Duration)
}

// Subscription is one push channel bound to a job. The channel is closed after
// the terminal event, on Close, or when the hub reaps it as idle.
type Subscription struct {
	ID        string
	JobID     string
	Transport string
	OpenedAt  time.Time

	events chan models.JobEvent
	buffer int
	hub    *subscriptionHub

	mu      sync.Mutex
	lastSeq int64
	closed  bool
}

// Events streams job events; it is closed once the subscription ends.
func (s *Subscription) Events() <-chan models.JobEvent {
	return s.events
}

// LastSequence returns the sequence of the last delivered event.
func (s *Subscription) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Close ends the subscription without emitting an event. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.mu.Lock()
	closedNow := s.closeLocked()
	s.mu.Unlock()

	if closedNow {
		s.hub.detach(s)
	}
}

// deliver sends event unless it is stale. Intermediate events are skipped when
// the buffer is full; the last slot is reserved for the terminal event.
func (s *Subscription) deliver(event models.JobEvent) (delivered bool, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, true
	}
	if event.Sequence <= s.lastSeq {
		return false, false
	}

	if !event.Terminal() {
		if len(s.events) >= s.buffer {
			observability.EventsDropped().Inc()
			return false, false
		}
		s.events <- event
		s.lastSeq = event.Sequence
		return true, false
	}

	select {
	case s.events <- event:
		delivered = true
	default:
	}
	s.lastSeq = event.Sequence
	s.closeLocked()
	return delivered, true
}

func (s *Subscription) closeLocked() bool {
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	observability.SubscriptionsActive().WithLabelValues(s.Transport).Dec()
	return true
}

type jobTopic struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	dead bool
}

type subscriptionHub struct {
	reader      JobReader
	topics      sync.Map // job id -> *jobTopic
	buffer      int
	idleTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// NewSubscriptionHub constructs a hub that reads job state from reader.
func NewSubscriptionHub(reader JobReader, buffer int, idleTimeout time.Duration, logger zerolog.Logger) SubscriptionHub {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	return &subscriptionHub{
		reader:      reader,
		buffer:      buffer,
		idleTimeout: idleTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("component", "subscription_hub").Logger(),
	}
}

// Subscribe registers a channel for jobID and immediately delivers the job's
// current state. A job that is already terminal yields its cached terminal
// event and a closed channel.
func (h *subscriptionHub) Subscribe(ctx context.Context, jobID string, transport string) (*Subscription, error) {
	// The id becomes a topic key that outlives the caller's request.
	jobID = strings.Clone(jobID)
	job, err := h.reader.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Transport: transport,
		OpenedAt:  h.now(),
		events:    make(chan models.JobEvent, h.buffer+1),
		buffer:    h.buffer,
		hub:       h,
	}
	observability.SubscriptionsActive().WithLabelValues(transport).Inc()

	if job.Status.Terminal() {
		sub.deliver(models.EventFromJob(job))
		return sub, nil
	}

	h.attach(sub)

	// Re-read after registering so a transition published in between is not lost.
	if current, err := h.reader.Get(ctx, jobID); err == nil {
		job = current
	}
	if _, finished := sub.deliver(models.EventFromJob(job)); finished {
		h.detach(sub)
	}

	h.logger.Debug().Str("job_id", jobID).Str("subscription_id", sub.ID).Str("transport", transport).Msg("subscription opened")
	return sub, nil
}

// Publish broadcasts event to every channel currently registered for its job.
func (h *subscriptionHub) Publish(_ context.Context, event models.JobEvent) int {
	observability.EventsPublished().WithLabelValues(string(event.Kind)).Inc()

	value, ok := h.topics.Load(event.JobID)
	if !ok {
		return 0
	}
	topic := value.(*jobTopic)

	topic.mu.Lock()
	subs := make([]*Subscription, 0, len(topic.subs))
	for _, sub := range topic.subs {
		subs = append(subs, sub)
	}
	topic.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		sent, finished := sub.deliver(event)
		if sent {
			delivered++
		}
		if finished {
			h.detach(sub)
		}
	}

	return delivered
}

// CloseIdle closes channels opened longer than the idle timeout ago.
func (h *subscriptionHub) CloseIdle(now time.Time) int {
	cutoff := now.Add(-h.idleTimeout)
	closed := 0
	for _, sub := range h.snapshot() {
		if sub.OpenedAt.After(cutoff) {
			continue
		}
		sub.Close()
		closed++
	}
	if closed > 0 {
		h.logger.Info().Int("closed", closed).Msg("idle subscriptions closed")
	}
	return closed
}

// CloseAll closes every open channel, used on shutdown.
func (h *subscriptionHub) CloseAll() int {
	subs := h.snapshot()
	for _, sub := range subs {
		sub.Close()
	}
	return len(subs)
}

// Run reaps idle channels every interval and closes everything on cancellation.
func (h *subscriptionHub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if closed := h.CloseAll(); closed > 0 {
				h.logger.Info().Int("closed", closed).Msg("subscriptions closed on shutdown")
			}
			return
		case <-ticker.C:
			h.CloseIdle(h.now())
		}
	}
}

func (h *subscriptionHub) attach(sub *Subscription) {
	for {
		value, _ := h.topics.LoadOrStore(sub.JobID, &jobTopic{subs: make(map[string]*Subscription)})
		topic := value.(*jobTopic)

		topic.mu.Lock()
		if topic.dead {
			topic.mu.Unlock()
			continue
		}
		topic.subs[sub.ID] = sub
		topic.mu.Unlock()
		return
	}
}

func (h *subscriptionHub) detach(sub *Subscription) {
	value, ok := h.topics.Load(sub.JobID)
	if !ok {
		return
	}
	topic := value.(*jobTopic)

	topic.mu.Lock()
	defer topic.mu.Unlock()
	delete(topic.subs, sub.ID)
	if len(topic.subs) == 0 && !topic.dead {
		topic.dead = true
		h.topics.CompareAndDelete(sub.JobID, topic)
	}
}

func (h *subscriptionHub) snapshot() []*Subscription {
	subs := make([]*Subscription, 0)
	h.topics.Range(func(_, value any) bool {
		topic := value.(*jobTopic)
		topic.mu.Lock()
		for _, sub := range topic.subs {
			subs = append(subs, sub)
		}
		topic.mu.Unlock()
		return true
	})
	return subs
}
