package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/settlement/internal/domain"
)

// Settler считает итоги заказа по заданной ставке.
type Settler interface {
	ComputeOrderTotalsWithRate(ctx context.Context, items []domain.LineItemRequest, taxRate decimal.Decimal) (domain.OrderTotals, error)
	TaxRate() decimal.Decimal
}

// NewSettlementHandler возвращает обработчик topic settlement.requests.
//
// Отказы по бизнес-причинам публикуются как settlement.rejected и считаются
// обработанными. Сбои каталога и публикации возвращаются как ошибка, чтобы
// consumer повторил попытку и в итоге отправил сообщение в DLQ.
func NewSettlementHandler(settler Settler, publisher domain.SettlementPublisher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "settlement-worker")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		request, err := ParseSettlementRequest(message)
		if err != nil {
			return err
		}

		requestID := request.RequestID
		if requestID == "" {
			requestID = string(message.Key)
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}
		entry := logger.WithField("request_id", requestID)

		taxRate := settler.TaxRate()
		if request.TaxRate.Valid {
			taxRate = request.TaxRate.Decimal
		}

		totals, err := settle(ctx, settler, request.Items, taxRate)
		if err != nil {
			if !domain.IsBusinessFailure(err) {
				entry.WithError(err).Warn("settlement failed, catalog unavailable")
				return fmt.Errorf("settle request %s: %w", requestID, err)
			}

			reason := domain.FailureReason(err)
			entry.WithError(err).WithField("reason", reason).Info("settlement rejected")
			if pubErr := publisher.PublishRejected(requestID, reason, err); pubErr != nil {
				return fmt.Errorf("publish rejected %s: %w", requestID, pubErr)
			}
			return nil
		}

		if err := publisher.PublishCompleted(requestID, totals); err != nil {
			return fmt.Errorf("publish completed %s: %w", requestID, err)
		}
		entry.WithField("total", totals.Total.String()).Info("settlement completed")
		return nil
	}
}

func settle(ctx context.Context, settler Settler, items []domain.LineItemRequest, taxRate decimal.Decimal) (domain.OrderTotals, error) {
	if err := domain.ValidateOrderRequest(items, taxRate); err != nil {
		return domain.OrderTotals{}, err
	}
	return settler.ComputeOrderTotalsWithRate(ctx, items, taxRate)
}
