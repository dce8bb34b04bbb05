package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/pkg/events"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v5"
)

// EventPublisher is the outbound event bus (NATS JetStream in production).
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// IRewardService hands completed timer cycles to the rewards system. The
// coordinator side only enqueues on an in-process topic; Consume forwards
// to the event bus off the session goroutine.
type IRewardService interface {
	realtime.RewardNotifier
	Consume(ctx context.Context) error
}

type rewardService struct {
	pubSub     *gochannel.GoChannel
	topicName  string
	bus        EventPublisher
	logger     logger.ILogger
	maxTries   uint
	newBackOff func() backoff.BackOff
}

func NewRewardService(pubSub *gochannel.GoChannel, topicName string, bus EventPublisher, log logger.ILogger) IRewardService {
	return &rewardService{
		pubSub:    pubSub,
		topicName: topicName,
		bus:       bus,
		logger:    log,
		maxTries:  5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// SessionCompleted implements realtime.RewardNotifier.
func (rs *rewardService) SessionCompleted(ctx context.Context, completion realtime.TimerCompletion, participants []string) error {
	event := events.SessionCompleted{
		SessionID:           completion.SessionID,
		Mode:                string(completion.Mode),
		NextMode:            string(completion.NextMode),
		CompletedWorkCycles: completion.CompletedWorkCycles,
		Participants:        participants,
		CompletedAt:         completion.At,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session completed: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := rs.pubSub.Publish(rs.topicName, msg); err != nil {
		return fmt.Errorf("publish session completed: %w", err)
	}
	return nil
}

func (rs *rewardService) Consume(ctx context.Context) error {
	messages, err := rs.pubSub.Subscribe(ctx, rs.topicName)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			rs.processMessage(ctx, msg)
		}
	}()

	return nil
}

func (rs *rewardService) processMessage(ctx context.Context, msg *message.Message) {
	var event events.SessionCompleted
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		rs.logger.Error("RewardService", "Failed to unmarshal completion", map[string]interface{}{"error": err.Error()})
		msg.Ack() // Ack invalid messages to prevent infinite retry
		return
	}

	details := map[string]interface{}{
		"session_id":   event.SessionID,
		"mode":         event.Mode,
		"participants": len(event.Participants),
	}
	if rs.bus == nil {
		rs.logger.Warn("RewardService", "No event bus configured, completion not forwarded", details)
		msg.Ack()
		return
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, rs.bus.Publish(ctx, event)
	}, backoff.WithBackOff(rs.newBackOff()), backoff.WithMaxTries(rs.maxTries))
	if err != nil {
		details["error"] = err.Error()
		rs.logger.Error("RewardService", "Dropping completion after retries", details)
		msg.Ack()
		return
	}

	rs.logger.Info("RewardService", "Completion forwarded to rewards", details)
	msg.Ack()
}
