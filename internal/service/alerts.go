package service

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Alerter raises operator-visible alerts. The worker dispatcher implements it
// by queueing an email job.
type Alerter interface {
	Alert(ctx context.Context, subject, body string)
}

// LogAlerter only logs; used when no alert queue is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, subject, body string) {
	log.Error().Str("subject", subject).Msg(body)
}
