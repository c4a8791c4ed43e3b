package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/counter-ingest-worker/internal/db"
	"go.uber.org/zap"
)

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends one summary event per finished run
type Publisher struct {
	channel    channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher declares the topic exchange and returns a publisher bound to it
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to declare exchange: %w", err)
	}

	return newPublisher(ch, exchange, routingKey, logger), nil
}

func newPublisher(ch channel, exchange, routingKey string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}
}

// RunEvent is the JSON body published after a run is finalized
type RunEvent struct {
	RunID              string          `json:"run_id"`
	Source             string          `json:"source"`
	State              string          `json:"state"`
	OK                 bool            `json:"ok"`
	DryRun             bool            `json:"dry_run"`
	StartedAt          string          `json:"started_at"`
	FinishedAt         string          `json:"finished_at,omitempty"`
	DurationMs         int64           `json:"duration_ms"`
	Seen               int             `json:"seen"`
	Eligible           int             `json:"eligible"`
	Processed          int             `json:"processed"`
	Inserted           int             `json:"inserted"`
	Updated            int             `json:"updated"`
	Duplicates         int             `json:"duplicates"`
	SkippedNonMatching int             `json:"skipped_non_matching"`
	Skipped            int             `json:"skipped"`
	Errored            int             `json:"errored"`
	Unprocessed        int             `json:"unprocessed"`
	TimedOut           bool            `json:"timed_out"`
	Message            json.RawMessage `json:"message,omitempty"`
}

// NewRunEvent builds the event for run
func NewRunEvent(run *db.RunAttempt) RunEvent {
	ev := RunEvent{
		RunID:              run.ID.String(),
		Source:             run.Source,
		State:              string(run.State),
		OK:                 run.OK,
		DryRun:             run.DryRun,
		StartedAt:          run.StartedAt.UTC().Format(time.RFC3339),
		Seen:               run.Seen,
		Eligible:           run.Eligible,
		Processed:          run.Processed,
		Inserted:           run.Inserted,
		Updated:            run.Updated,
		Duplicates:         run.Duplicates,
		SkippedNonMatching: run.SkippedNonMatching,
		Skipped:            run.Skipped,
		Errored:            run.Errored,
		Unprocessed:        run.Unprocessed,
		TimedOut:           run.TimedOut,
		Message:            run.Message,
	}
	if run.FinishedAt != nil {
		ev.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
		ev.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	return ev
}

// PublishRun publishes the run summary as a persistent JSON message
func (p *Publisher) PublishRun(ctx context.Context, run *db.RunAttempt) error {
	body, err := json.Marshal(NewRunEvent(run))
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    run.ID.String(),
			Timestamp:    run.StartedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to publish run event: %w", err)
	}

	p.logger.Debug("published run event",
		zap.String("routing_key", p.routingKey),
		zap.String("run_id", run.ID.String()),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
