// Package worker implements the asynchronous document-processing side of the
// application: the JetStream job queue, the processing orchestrator, and the
// stale-job reclaimer.
//
// Queue topology: one file-backed work-queue stream holds job messages; a
// durable pull consumer feeds a fixed pool of worker goroutines. Messages are
// acknowledged only after the job reached a terminal state in the database,
// so a crash mid-processing leads to redelivery, and the orchestrator's
// status re-read makes redelivery safe.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-docproc-backend/internal/config"
)

// jobMessage is the queue payload. Page content travels here, not in the
// database: the job row only records billing state.
type jobMessage struct {
	JobID string   `json:"job_id"`
	Pages []string `json:"pages"`
}

// Connect dials NATS with reconnect handling suitable for a long-lived
// service process.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Warn().Msg("nats connection closed")
		}),
	)
}

// Queue is the JetStream-backed job queue: publisher for the submission path
// and pull-consumer runner for the worker pool.
type Queue struct {
	js  nats.JetStreamContext
	cfg config.QueueConfig
}

// NewQueue obtains a JetStream context and ensures the job stream exists.
func NewQueue(nc *nats.Conn, cfg config.QueueConfig) (*Queue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if err := ensureStream(js, cfg); err != nil {
		return nil, err
	}
	return &Queue{js: js, cfg: cfg}, nil
}

// ensureStream creates the work-queue stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, cfg config.QueueConfig) error {
	_, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return err
	}
	log.Info().Str("stream", cfg.Stream).Str("subject", cfg.Subject).Msg("jetstream stream created")
	return nil
}

// EnqueueJob publishes a job message. The job id doubles as the message id,
// so a duplicate publish inside the dedup window is collapsed server-side.
func (q *Queue) EnqueueJob(ctx context.Context, jobID string, pages []string) error {
	payload, err := json.Marshal(jobMessage{JobID: jobID, Pages: pages})
	if err != nil {
		return err
	}
	_, err = q.js.Publish(q.cfg.Subject, payload, nats.MsgId(jobID), nats.Context(ctx))
	return err
}

// Run creates the durable pull consumer and blocks running the worker pool
// until ctx is canceled.
func (q *Queue) Run(ctx context.Context, proc *Processor) error {
	sub, err := q.js.PullSubscribe(
		q.cfg.Subject,
		q.cfg.Durable,
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
		nats.ManualAck(),
	)
	if err != nil {
		return err
	}

	log.Info().
		Str("durable", q.cfg.Durable).
		Int("workers", q.cfg.Workers).
		Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, sub, proc)
		}()
	}
	wg.Wait()

	if err := sub.Drain(); err != nil {
		log.Warn().Err(err).Msg("drain of job subscription failed")
	}
	return nil
}

// consume is one worker goroutine's fetch loop.
func (q *Queue) consume(ctx context.Context, sub *nats.Subscription, proc *Processor) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("jetstream fetch failed")
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, msg := range msgs {
			q.handle(ctx, msg, proc)
		}
	}
}

// handle decodes one message, runs the orchestrator, and translates the
// outcome into queue acknowledgment.
func (q *Queue) handle(ctx context.Context, msg *nats.Msg, proc *Processor) {
	var m jobMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		// Undecodable messages can never succeed: ack to stop redelivery.
		log.Error().Err(err).Msg("dropping undecodable job message")
		_ = msg.Ack()
		return
	}

	delivery := 1
	if meta, err := msg.Metadata(); err == nil {
		delivery = int(meta.NumDelivered)
	}

	outcome := proc.Process(ctx, m.JobID, m.Pages, delivery)
	switch outcome.Kind {
	case OutcomeRetry:
		log.Warn().
			Err(outcome.Err).
			Str("job_id", m.JobID).
			Int("delivery", delivery).
			Dur("backoff", outcome.Backoff).
			Msg("job processing will be retried")
		if err := msg.NakWithDelay(outcome.Backoff); err != nil {
			log.Error().Err(err).Str("job_id", m.JobID).Msg("nak failed")
		}
	default:
		if outcome.Err != nil {
			log.Error().Err(outcome.Err).Str("job_id", m.JobID).Msg("job reached terminal failure")
		}
		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Str("job_id", m.JobID).Msg("ack failed")
		}
	}
}
