package worker

import (
	"context"
	"encoding/json"
	"time"

	"comandapos/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	QueueTenderVoid = "jobs:tender_void"
	QueueAlert      = "jobs:alert"
)

const (
	JobTenderVoid = "tender_void"
	JobAlert      = "alert"
)

// Job is the generic envelope for all async tasks.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes the payload of one job type. A returned error means the
// job was given up on; handlers retry and dead-letter on their own.
type Handler interface {
	Process(ctx context.Context, raw json.RawMessage) error
}

// Dispatcher enqueues async jobs into Redis lists.
// The worker pool dequeues them via BRPOP.
type Dispatcher struct {
	rdb *redis.Client
}

func NewDispatcher(rdb *redis.Client) *Dispatcher {
	return &Dispatcher{rdb: rdb}
}

var (
	_ service.VoidQueue = (*Dispatcher)(nil)
	_ service.Alerter   = (*Dispatcher)(nil)
)

// EnqueueTenderVoid queues a void that failed inline during settlement.
func (d *Dispatcher) EnqueueTenderVoid(ctx context.Context, job service.TenderVoidJob) error {
	return d.enqueue(ctx, QueueTenderVoid, JobTenderVoid, job)
}

// Alert queues an operator email. It never fails the caller: when Redis is
// unreachable the alert is logged instead.
func (d *Dispatcher) Alert(ctx context.Context, subject, body string) {
	log.Error().Str("subject", subject).Msg(body)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.enqueue(ctx, QueueAlert, JobAlert, AlertJobPayload{Subject: subject, Body: body}); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("dispatcher: alert not queued")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, queue, jobType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	job := Job{Type: jobType, Payload: data}
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.rdb.LPush(ctx, queue, encoded).Err()
}

// StartWorkerPool launches numWorkers goroutines consuming every queue.
// Each goroutine blocks on BRPOP, so idle workers cost nothing.
func StartWorkerPool(ctx context.Context, rdb *redis.Client, numWorkers int, handlers map[string]Handler) {
	queues := []string{QueueTenderVoid, QueueAlert}
	for i := 0; i < numWorkers; i++ {
		go runWorker(ctx, rdb, i, queues, handlers)
	}
	log.Info().Msgf("worker pool started with %d workers", numWorkers)
}

func runWorker(ctx context.Context, rdb *redis.Client, id int, queues []string, handlers map[string]Handler) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msgf("worker %d shutting down", id)
			return
		default:
			// Blocking pop; waits up to 5s then loops to check ctx
			result, err := rdb.BRPop(ctx, 5*time.Second, queues...).Result()
			if err != nil {
				continue
			}
			if len(result) < 2 {
				continue
			}
			processJob(ctx, result[0], result[1], handlers)
		}
	}
}

func processJob(ctx context.Context, queue, raw string, handlers map[string]Handler) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Error().Str("queue", queue).Err(err).Msg("failed to unmarshal job")
		return
	}
	h, ok := handlers[job.Type]
	if !ok {
		log.Error().Str("type", job.Type).Str("queue", queue).Msg("no handler for job type")
		return
	}
	if err := h.Process(ctx, job.Payload); err != nil {
		log.Warn().Err(err).Str("type", job.Type).Str("queue", queue).Msg("job failed")
		return
	}
	log.Debug().Str("type", job.Type).Str("queue", queue).Msg("job processed")
}
