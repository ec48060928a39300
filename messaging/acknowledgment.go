package messaging

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/eventbus-go/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorAction determines what happens to a delivery once its handler is done
type ErrorAction int

const (
	Acknowledge ErrorAction = iota // Ack and discard the message
	Retry                          // Nack and requeue for another attempt
	Reject                         // Nack without requeue (dead-letter if configured)
)

func (a ErrorAction) String() string {
	switch a {
	case Acknowledge:
		return "ack"
	case Retry:
		return "requeue"
	default:
		return "reject"
	}
}

// Decide maps a handler outcome to a settlement. Failures are requeued until
// attempt exceeds retryCount.
func Decide(err error, attempt, retryCount int) ErrorAction {
	if err == nil {
		return Acknowledge
	}
	if attempt > retryCount {
		return Reject
	}
	return Retry
}

// settlement settles one delivery exactly once
type settlement struct {
	delivery   amqp.Delivery
	eventName  string
	eventID    string
	attempt    int
	retryCount int
	autoAck    bool

	attempts *AttemptTracker
	logger   *slog.Logger
	metrics  metrics.Recorder
	once     sync.Once
}

func (s *settlement) done(err error) {
	s.once.Do(func() { s.settle(err) })
}

func (s *settlement) settle(handlerErr error) {
	log := s.logger.With(
		"eventName", s.eventName,
		"eventId", s.eventID,
		"deliveryTag", s.delivery.DeliveryTag,
		"attempt", s.attempt,
	)

	if s.autoAck {
		if handlerErr != nil {
			log.Warn("event handler failed on auto-acknowledged delivery", "error", handlerErr)
		} else {
			log.Debug("event handled")
		}
		s.attempts.Forget(s.eventID)
		return
	}

	action := Decide(handlerErr, s.attempt, s.retryCount)
	if err := s.apply(action); err != nil {
		log.Error("failed to settle delivery, rejecting", "action", action.String(), "error", err)
		action = Reject
		if err := s.apply(Reject); err != nil {
			log.Error("failed to reject delivery", "error", err)
		}
	}

	switch action {
	case Acknowledge:
		log.Debug("event handled")
	case Retry:
		log.Warn("event handler failed, requeueing", "retryCount", s.retryCount, "error", handlerErr)
	case Reject:
		log.Error("event handler failed, rejecting", "retryCount", s.retryCount, "error", handlerErr)
	}

	if action != Retry {
		s.attempts.Forget(s.eventID)
	}
	s.metrics.DeliverySettled(s.eventName, action.String())
}

func (s *settlement) apply(action ErrorAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: settle panic: %v", r)
		}
	}()

	switch action {
	case Acknowledge:
		return s.delivery.Ack(false)
	case Retry:
		return s.delivery.Nack(false, true)
	default:
		return s.delivery.Nack(false, false)
	}
}
