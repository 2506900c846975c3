package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// AlertJobPayload is the job envelope sent to QueueAlert.
type AlertJobPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// AlertMailer is satisfied by infra.Mailer.
type AlertMailer interface {
	Enabled() bool
	SendAlert(subject, body string) error
}

// AlertWorker mails queued operator alerts.
type AlertWorker struct {
	mailer AlertMailer
}

func NewAlertWorker(mailer AlertMailer) *AlertWorker {
	return &AlertWorker{mailer: mailer}
}

func (w *AlertWorker) Process(_ context.Context, raw json.RawMessage) error {
	var payload AlertJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Error().Err(err).Msg("alert_worker: invalid payload")
		return err
	}
	if !w.mailer.Enabled() {
		log.Warn().Str("subject", payload.Subject).Msg("alert_worker: SMTP not configured, alert only logged")
		return nil
	}
	if err := w.mailer.SendAlert(payload.Subject, payload.Body); err != nil {
		log.Error().Err(err).Str("subject", payload.Subject).Msg("alert_worker: failed to send alert")
		return err
	}
	log.Info().Str("subject", payload.Subject).Msg("alert_worker: alert sent")
	return nil
}
