package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// JobEventRelay publishes job events to the local hub and mirrors them to
// other instances over Redis pub/sub and/or NATS. Events received from peers
// are fanned out locally; the node id suppresses echoes of our own events.
type JobEventRelay struct {
	hub         SubscriptionHub
	redis       redis.UniversalClient
	redisTopic  string
	nats        *nats.Conn
	natsSubject string
	nodeID      string
	logger      zerolog.Logger
}

type relayedJobEvent struct {
	Source string          `json:"source"`
	Event  models.JobEvent `json:"event"`
	SentAt time.Time       `json:"sent_at"`
}

// NewJobEventRelay constructs a relay. Either transport may be nil.
func NewJobEventRelay(hub SubscriptionHub, redisClient redis.UniversalClient, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *JobEventRelay {
	topic := ""
	subject := ""
	if channelBase != "" {
		topic = channelBase + ":job-events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".job-events"
	}

	return &JobEventRelay{
		hub:         hub,
		redis:       redisClient,
		redisTopic:  topic,
		nats:        natsConn,
		natsSubject: subject,
		nodeID:      uuid.NewString(),
		logger:      logger.With().Str("component", "job_event_relay").Logger(),
	}
}

// NodeID identifies this instance on the relay.
func (r *JobEventRelay) NodeID() string {
	return r.nodeID
}

// Publish delivers locally first, then mirrors the event to peers.
func (r *JobEventRelay) Publish(ctx context.Context, event models.JobEvent) int {
	delivered := r.hub.Publish(ctx, event)
	if err := r.mirror(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("failed to relay job event")
	}
	return delivered
}

// Run consumes peer events until ctx is cancelled.
func (r *JobEventRelay) Run(ctx context.Context) error {
	if r.nats != nil && r.natsSubject != "" {
		sub, err := r.nats.Subscribe(r.natsSubject, func(msg *nats.Msg) {
			r.handle(ctx, msg.Data)
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := sub.Drain(); err != nil {
				r.logger.Warn().Err(err).Msg("failed to drain job event subscription")
			}
		}()
	}

	if r.redis != nil && r.redisTopic != "" {
		return r.consumeRedis(ctx)
	}

	<-ctx.Done()
	return nil
}

func (r *JobEventRelay) consumeRedis(ctx context.Context) error {
	pubsub := r.redis.Subscribe(ctx, r.redisTopic)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("job event redis subscription closed")
			return err
		}
		r.handle(ctx, []byte(msg.Payload))
	}
}

func (r *JobEventRelay) mirror(ctx context.Context, event models.JobEvent) error {
	if (r.redis == nil || r.redisTopic == "") && (r.nats == nil || r.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(relayedJobEvent{
		Source: r.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if r.redis != nil && r.redisTopic != "" {
		if err := r.redis.Publish(ctx, r.redisTopic, payload).Err(); err != nil {
			return err
		}
	}

	if r.nats != nil && r.natsSubject != "" {
		if err := r.nats.Publish(r.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (r *JobEventRelay) handle(ctx context.Context, payload []byte) {
	var relayed relayedJobEvent
	if err := json.Unmarshal(payload, &relayed); err != nil {
		r.logger.Warn().Err(err).Msg("invalid job event payload")
		return
	}
	if relayed.Source == r.nodeID || relayed.Event.JobID == "" {
		return
	}

	r.hub.Publish(ctx, relayed.Event)
}
