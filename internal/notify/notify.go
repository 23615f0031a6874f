// Package notify sends the cron result notification: if a job's
// notification field is non-empty and validates as an email address,
// an envelope is submitted after result insertion, with headers
// identifying the job/account and a body equal to the captured log.
//
// The QMQP relay is the primary transport; the Resend-backed
// email.Sender is the fallback when no relay is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/cm4all-oss/workshopd/internal/email"
	"github.com/cm4all-oss/workshopd/internal/qmqp"
)

// Notifier sends the result of one finished cron job to its configured
// notification address, if any.
type Notifier struct {
	relay  qmqp.Relay
	mail   email.Sender
	from   string
	logger *slog.Logger
}

// New builds a Notifier. Either relay or mail (or both) may be nil; at
// least one should be set for notification to actually happen.
func New(relay qmqp.Relay, mail email.Sender, from string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{relay: relay, mail: mail, from: from, logger: logger.With("component", "notify")}
}

// Notify validates job's notification address and, if valid, submits
// the result. Errors are logged, never propagated: a failed
// notification must not affect the job's recorded result.
func (n *Notifier) Notify(ctx context.Context, job *domain.CronJob, result domain.CronResult) {
	if job.Notification == "" {
		return
	}
	if _, err := mail.ParseAddress(job.Notification); err != nil {
		n.logger.Warn("cron notification address invalid, skipping", "cron_job_id", job.ID, "address", job.Notification)
		return
	}

	subject := fmt.Sprintf("cron job %s (account %s): exit status %d", job.ID, job.AccountID, result.ExitStatus)

	if n.relay != nil {
		env := qmqp.Envelope{
			From:    n.from,
			To:      job.Notification,
			Subject: subject,
			Headers: map[string]string{
				"X-Workshop-Cron-Job-Id": job.ID,
				"X-Workshop-Account-Id":  job.AccountID,
				"X-Workshop-Exit-Status": fmt.Sprintf("%d", result.ExitStatus),
			},
			Body: result.Log,
		}
		if err := n.relay.Send(ctx, env); err != nil {
			n.logger.Error("qmqp notification failed", "cron_job_id", job.ID, "error", err)
		} else {
			return
		}
	}

	if n.mail != nil {
		if err := n.mail.Send(ctx, job.Notification, subject, result.Log); err != nil {
			n.logger.Error("email notification failed", "cron_job_id", job.ID, "error", err)
		}
	}
}
