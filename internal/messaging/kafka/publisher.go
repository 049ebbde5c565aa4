package kafka

import (
	"errors"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// ResultPublisher публикует результаты расчёта в topic результатов.
type ResultPublisher struct {
	producer *Producer
	topic    string
}

var _ domain.SettlementPublisher = (*ResultPublisher)(nil)

// NewResultPublisher создаёт паблишер. Пустой topic заменяется на settlement.results.
func NewResultPublisher(producer *Producer, topic string) *ResultPublisher {
	if topic == "" {
		topic = TopicSettlementResults
	}
	return &ResultPublisher{producer: producer, topic: topic}
}

// PublishCompleted публикует settlement.completed.
func (p *ResultPublisher) PublishCompleted(requestID string, totals domain.OrderTotals) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka result publisher is not initialized")
	}
	return p.producer.PublishEvent(p.topic, requestID, NewCompletedEvent(requestID, totals))
}

// PublishRejected публикует settlement.rejected с причиной отказа.
func (p *ResultPublisher) PublishRejected(requestID string, reason string, cause error) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka result publisher is not initialized")
	}
	return p.producer.PublishEvent(p.topic, requestID, NewRejectedEvent(requestID, reason, cause))
}
