package worker

// Retries voids of approved card/PIX charges that could not be voided while
// the sale was rolled back or voided. Backoff doubles from the base delay;
// once attempts run out the job is dead-lettered and an operator is alerted
// to refund by hand.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"comandapos/internal/repository"
	"comandapos/internal/service"

	"github.com/rs/zerolog/log"
)

const defaultVoidAttempts = 5

type TenderVoidWorker struct {
	tenders     service.TenderProcessor
	sales       repository.SaleRepository
	dlq         DeadLetters
	alerts      service.Alerter
	maxAttempts int
	baseBackoff time.Duration
}

func NewTenderVoidWorker(
	tenders service.TenderProcessor,
	sales repository.SaleRepository,
	dlq DeadLetters,
	alerts service.Alerter,
	baseBackoff time.Duration,
) *TenderVoidWorker {
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &TenderVoidWorker{
		tenders:     tenders,
		sales:       sales,
		dlq:         dlq,
		alerts:      alerts,
		maxAttempts: defaultVoidAttempts,
		baseBackoff: baseBackoff,
	}
}

func (w *TenderVoidWorker) Process(ctx context.Context, raw json.RawMessage) error {
	var job service.TenderVoidJob
	if err := json.Unmarshal(raw, &job); err != nil {
		log.Error().Err(err).Msg("tender_void_worker: invalid payload")
		return err
	}

	err := withRetry(ctx, w.maxAttempts, w.baseBackoff, func(attempt int) error {
		err := w.tenders.Void(ctx, job.Method, job.ExternalReference, job.Amount)
		if err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("sale_id", job.SaleID.String()).
				Str("split_id", job.SplitID.String()).
				Msg("tender_void_worker: void attempt failed")
		}
		return err
	})
	if err != nil {
		w.dlq.SendToDLQ(ctx, QueueTenderVoid, JobTenderVoid, raw,
			fmt.Sprintf("void failed after %d attempts: %v", w.maxAttempts, err), w.maxAttempts)
		w.alerts.Alert(ctx, "Tender void failed",
			fmt.Sprintf("Could not void %s %s (ref %s) of sale %s: %v. Refund the customer by hand.",
				job.Method, job.Amount.StringFixed(2), job.ExternalReference, job.SaleID, err))
		return err
	}

	if err := w.sales.MarkTenderVoided(ctx, job.SplitID); err != nil {
		log.Error().Err(err).Str("split_id", job.SplitID.String()).Msg("tender_void_worker: voided but status not saved")
		return err
	}
	log.Info().
		Str("sale_id", job.SaleID.String()).
		Str("split_id", job.SplitID.String()).
		Str("reference", job.ExternalReference).
		Msg("tender_void_worker: tender voided")
	return nil
}

// withRetry calls fn up to maxAttempts times, waiting base, 2*base, 4*base…
// between attempts. Returns the last error if every attempt fails.
func withRetry(ctx context.Context, maxAttempts int, base time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			wait := base << uint(i-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := fn(i); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
