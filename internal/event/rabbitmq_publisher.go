package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

const (
	routingKeyRepaymentPosted    = "loan.repayment.posted"
	routingKeyRepaymentCancelled = "loan.repayment.cancelled"
	routingKeyLoanStatusChanged  = "loan.status.changed"
	routingKeyAccrualBatch       = "loan.accrual.batch"
	publisherAppID               = "lending-engine"
)

type RabbitMQEventPublisher struct {
	conn         *amqp.Connection
	exchangeName string
	logger       *slog.Logger
}

type EventPublisher interface {
	PublishRepaymentPosted(ctx context.Context, event RepaymentEvent) error
	PublishRepaymentCancelled(ctx context.Context, event RepaymentEvent) error
	PublishLoanStatusChanged(ctx context.Context, event LoanStatusChangedEvent) error
	// EnqueueAccrualBatch hands a slice of loan IDs to the background
	// accrual workers.
	EnqueueAccrualBatch(ctx context.Context, job AccrualBatchJob) error
}

type RepaymentEvent struct {
	LoanID        int64           `json:"loanId"`
	RepaymentID   int64           `json:"repaymentId"`
	RepaymentType string          `json:"repaymentType"`
	Amount        decimal.Decimal `json:"amount"`
	PrincipalPaid decimal.Decimal `json:"principalPaid"`
	PostingDate   time.Time       `json:"postingDate"`
	Timestamp     time.Time       `json:"timestamp"`
}

type LoanStatusChangedEvent struct {
	LoanID    int64     `json:"loanId"`
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
}

type AccrualBatchJob struct {
	LoanIDs     []int64   `json:"loanIds"`
	PostingDate time.Time `json:"postingDate"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewRabbitMQEventPublisher(conn *amqp.Connection, exchangeName string, logger *slog.Logger) (EventPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("RabbitMQ connection cannot be nil")
	}
	if exchangeName == "" {
		return nil, fmt.Errorf("RabbitMQ exchange name cannot be empty")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}

	tempCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open temporary channel for exchange declaration: %w", err)
	}
	defer tempCh.Close()

	err = tempCh.ExchangeDeclare(
		exchangeName,
		amqp.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchangeName, err)
	}
	logger.Info("Ensured RabbitMQ exchange exists", "exchange", exchangeName, "type", amqp.ExchangeTopic)

	return &RabbitMQEventPublisher{
		conn:         conn,
		exchangeName: exchangeName,
		logger:       logger.With("component", "RabbitMQEventPublisher", "exchange", exchangeName),
	}, nil
}

func (p *RabbitMQEventPublisher) PublishRepaymentPosted(ctx context.Context, event RepaymentEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, routingKeyRepaymentPosted, event)
}

func (p *RabbitMQEventPublisher) PublishRepaymentCancelled(ctx context.Context, event RepaymentEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, routingKeyRepaymentCancelled, event)
}

func (p *RabbitMQEventPublisher) PublishLoanStatusChanged(ctx context.Context, event LoanStatusChangedEvent) error {
	event.Timestamp = time.Now()
	return p.publish(ctx, routingKeyLoanStatusChanged, event)
}

func (p *RabbitMQEventPublisher) EnqueueAccrualBatch(ctx context.Context, job AccrualBatchJob) error {
	job.Timestamp = time.Now()
	return p.publish(ctx, routingKeyAccrualBatch, job)
}

func (p *RabbitMQEventPublisher) publish(ctx context.Context, routingKey string, payload interface{}) error {
	logCtx := p.logger.With(slog.String("routingKey", routingKey))

	channel, err := p.conn.Channel()
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to open RabbitMQ channel", slog.Any("error", err))
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to marshal event payload to JSON", slog.Any("error", err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	logCtx.DebugContext(ctx, "Publishing message", "bodySize", len(body))

	err = channel.PublishWithContext(
		ctx,
		p.exchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
			AppId:        publisherAppID,
		},
	)

	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to publish message to RabbitMQ", slog.Any("error", err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logCtx.InfoContext(ctx, "Successfully published message")
	return nil
}
