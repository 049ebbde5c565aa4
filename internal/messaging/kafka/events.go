package kafka

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	EventTypeSettlementCompleted EventType = "settlement.completed"
	EventTypeSettlementRejected  EventType = "settlement.rejected"
)

// Topics для Kafka
const (
	TopicSettlementRequests = "settlement.requests"
	TopicSettlementResults  = "settlement.results"
	TopicDeadLetterQueue    = "settlement.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// SettlementRequest — входящий запрос на расчёт заказа.
type SettlementRequest struct {
	RequestID string                   `json:"request_id"`
	TaxRate   decimal.NullDecimal      `json:"tax_rate"`
	Items     []domain.LineItemRequest `json:"items"`
}

// SettlementEvent — результат расчёта, публикуемый в settlement.results.
type SettlementEvent struct {
	EventID   string              `json:"event_id"`
	EventType EventType           `json:"event_type"`
	RequestID string              `json:"request_id"`
	Totals    *domain.OrderTotals `json:"totals,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// DeadLetter — сообщение, которое не удалось обработать.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// NewCompletedEvent создаёт событие успешного расчёта.
func NewCompletedEvent(requestID string, totals domain.OrderTotals) *SettlementEvent {
	return &SettlementEvent{
		EventID:   uuid.NewString(),
		EventType: EventTypeSettlementCompleted,
		RequestID: requestID,
		Totals:    &totals,
		Timestamp: time.Now().UTC(),
	}
}

// NewRejectedEvent создаёт событие отказа в расчёте.
func NewRejectedEvent(requestID, reason string, cause error) *SettlementEvent {
	event := &SettlementEvent{
		EventID:   uuid.NewString(),
		EventType: EventTypeSettlementRejected,
		RequestID: requestID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	return event
}
