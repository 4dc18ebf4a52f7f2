// Package worker is the polling consumer harness: it drives
// pkg/client in a loop per registered queue, dispatching leased messages to
// handler functions and acking on success.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relqueue/relqueue/internal/queue"
	"github.com/relqueue/relqueue/pkg/client"
)

// pollErrBackoff is how long pollQueue waits before retrying after a failed
// poll, so a down or erroring server isn't hammered in a tight spin loop.
const pollErrBackoff = time.Second

// HandlerFunc processes a leased message. Returning nil acks it; returning
// an error leaves it leased so the unack reclaimer recycles it once the
// lease expires.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// Config configures a Worker.
type Config struct {
	BaseURL     string        // relqueue API base URL
	PollTimeout time.Duration // how long each poll blocks waiting to fill BatchSize (default 5s)
	BatchSize   int           // max messages requested per poll (default 10)
}

// Worker manages message processing from one or more queues.
type Worker struct {
	client      *client.Client
	handlers    map[string]HandlerFunc
	pollTimeout time.Duration
	batchSize   int
}

func New(cfg Config) *Worker {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	return &Worker{
		client:      client.NewClient(cfg.BaseURL),
		handlers:    make(map[string]HandlerFunc),
		pollTimeout: cfg.PollTimeout,
		batchSize:   cfg.BatchSize,
	}
}

// Handle registers a handler for a queue.
func (w *Worker) Handle(queueName string, handler HandlerFunc) {
	w.handlers[queueName] = handler
	log.Info().Str("queue", queueName).Msg("worker: registered handler")
}

// Run starts one polling goroutine per registered queue and blocks until
// ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("worker: no handlers registered")
	}

	log.Info().Int("queues", len(w.handlers)).Msg("worker: starting")

	for queueName, handler := range w.handlers {
		go w.pollQueue(ctx, queueName, handler)
	}

	<-ctx.Done()
	log.Info().Msg("worker: shutting down")
	return nil
}

func (w *Worker) pollQueue(ctx context.Context, queueName string, handler HandlerFunc) {
	log.Info().Str("queue", queueName).Msg("worker: polling started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("queue", queueName).Msg("worker: polling stopped")
			return
		default:
		}

		messages, err := w.client.Poll(ctx, queueName, w.batchSize, w.pollTimeout.Milliseconds())
		if err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("worker: poll failed")
			timer := time.NewTimer(pollErrBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		if len(messages) == 0 {
			continue
		}

		log.Debug().Str("queue", queueName).Int("count", len(messages)).Msg("worker: received messages")
		for _, msg := range messages {
			w.processMessage(ctx, queueName, msg, handler)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, queueName string, msg queue.Message, handler HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("queue", queueName).Str("message_id", msg.ID).
				Interface("panic", r).Msg("worker: handler panicked, leaving leased for reclaim")
		}
	}()

	if err := handler(ctx, msg); err != nil {
		log.Warn().Err(err).Str("queue", queueName).Str("message_id", msg.ID).
			Msg("worker: handler failed, leaving leased for reclaim")
		return
	}

	if _, err := w.client.Ack(ctx, queueName, msg.ID); err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("message_id", msg.ID).Msg("worker: ack failed")
	}
}
