// Package cronqueue is the SQL surface and the two independent timers
// (scheduler, claim) for cron jobs.
package cronqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Querier is satisfied by *pgxpool.Pool (and by *pgx.Conn, for tests
// that drive a single scripted connection).
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repo issues the cron statement classes.
type Repo struct {
	conn Querier
}

func NewRepo(conn Querier) *Repo {
	return &Repo{conn: conn}
}

func scanCronJob(row rowScanner) (*domain.CronJob, error) {
	var j domain.CronJob
	var timeout pgtype.Interval
	var delaySeconds *float64
	var delayRangeSeconds float64
	var nextRun pgtype.Timestamptz
	err := row.Scan(
		&j.ID, &j.AccountID, &j.Command, &j.TranslateParam, &j.Notification,
		&j.Schedule, &j.TZ, &timeout, &j.Sticky, &delaySeconds, &delayRangeSeconds,
		&j.LastRun, &nextRun, &j.NodeName, &j.NodeTimeout, &j.Enabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan cron job: %w", err)
	}
	if timeout.Valid {
		j.Timeout = intervalDuration(timeout)
	}
	if delaySeconds != nil {
		d := time.Duration(*delaySeconds * float64(time.Second))
		j.Delay = &d
	}
	j.DelayRange = time.Duration(delayRangeSeconds * float64(time.Second))
	// next_run == 'infinity' (an @once job that already ran) and
	// next_run == NULL both map to domain.CronJob.NextRun == nil.
	if nextRun.Valid && nextRun.InfinityModifier == pgtype.Finite {
		j.NextRun = &nextRun.Time
	}
	return &j, nil
}

// intervalDuration flattens a Postgres interval to a time.Duration,
// approximating a month as 30 days (cron timeouts are short enough that
// the month/day components are effectively theoretical).
func intervalDuration(iv pgtype.Interval) time.Duration {
	d := time.Duration(iv.Microseconds) * time.Microsecond
	d += time.Duration(iv.Days) * 24 * time.Hour
	d += time.Duration(iv.Months) * 30 * 24 * time.Hour
	return d
}

const cronJobColumns = `id, account_id, command, translate_param, notification,
	schedule, tz, timeout, sticky, delay, delay_range, last_run, next_run,
	node_name, node_timeout, enabled`

// ReleaseOwn releases every cronjobs row this node held at startup,
// announcing the change so other nodes' claim timers re-check.
func (r *Repo) ReleaseOwn(ctx context.Context, nodeName string) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE cronjobs SET node_name=NULL, node_timeout=NULL WHERE node_name=$1`,
		nodeName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return r.notifyModified(ctx)
	}
	return nil
}

// ReleaseExpired frees cron rows abandoned by dead nodes, announcing
// the change so other nodes' claim timers re-check.
func (r *Repo) ReleaseExpired(ctx context.Context, selfNode string) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE cronjobs SET node_name=NULL, node_timeout=NULL
		 WHERE node_name IS NOT NULL AND node_name<>$1 AND node_timeout<now()`,
		selfNode)
	if err != nil {
		return 0, err
	}
	released := tag.RowsAffected()
	if released > 0 {
		if err := r.notifyModified(ctx); err != nil {
			return released, err
		}
	}
	return released, nil
}

// notifyModified wakes every node's scheduler timer; suspended
// schedulers only re-arm on this channel.
func (r *Repo) notifyModified(ctx context.Context) error {
	_, err := r.conn.Exec(ctx, "NOTIFY cronjobs_modified")
	return err
}

// PendingNextRunUnset selects up to limit enabled rows missing a
// next_run, for the scheduler timer.
func (r *Repo) PendingNextRunUnset(ctx context.Context, limit int) ([]*domain.CronJob, error) {
	rows, err := r.conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM cronjobs WHERE enabled AND next_run IS NULL LIMIT $1`, cronJobColumns),
		limit)
	if err != nil {
		return nil, fmt.Errorf("select cron jobs with unset next_run: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// WriteNextRun writes a freshly-computed next_run, conditional on the
// row being unchanged since it was read (last_run and schedule
// unchanged, still enabled, next_run still NULL). nextRun == nil
// encodes "infinity".
func (r *Repo) WriteNextRun(ctx context.Context, job *domain.CronJob, nextRun *time.Time) (bool, error) {
	value := pgtype.Timestamptz{Valid: true}
	if nextRun == nil {
		value.InfinityModifier = pgtype.Infinity
	} else {
		value.Time = *nextRun
	}
	tag, err := r.conn.Exec(ctx, `
		UPDATE cronjobs SET next_run=$2
		WHERE id=$1 AND enabled AND next_run IS NULL
		  AND schedule=$3 AND (last_run IS NOT DISTINCT FROM $4)`,
		job.ID, value, job.Schedule, job.LastRun)
	if err != nil {
		return false, fmt.Errorf("write next_run for %s: %w", job.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// EarliestPending finds the single due-or-soonest pending cron row, for
// the claim timer.
func (r *Repo) EarliestPending(ctx context.Context) (*domain.CronJob, error) {
	row := r.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM cronjobs WHERE enabled AND node_name IS NULL AND next_run IS NOT NULL
		 ORDER BY next_run LIMIT 1`, cronJobColumns))
	j, err := scanCronJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	return j, err
}

// Claim is the cron analogue of the workshop claim statement: an
// atomic UPDATE ... WHERE node_name IS NULL. Zero rows affected means
// another node won the race.
func (r *Repo) Claim(ctx context.Context, id, nodeName string, nodeTimeout time.Duration) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE cronjobs SET node_name=$1, node_timeout=now()+$3::interval
		 WHERE id=$2 AND node_name IS NULL AND enabled`,
		nodeName, id, intervalLiteral(nodeTimeout))
	if err != nil {
		return fmt.Errorf("claim cron job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLostRace
	}
	return nil
}

// Finish records a completed cron run: last_run is set, next_run is
// cleared (the scheduler timer will recompute it), ownership released,
// and the result is recorded in cronresults.
func (r *Repo) Finish(ctx context.Context, job *domain.CronJob, result domain.CronResult) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE cronjobs SET last_run=now(), next_run=NULL, node_name=NULL, node_timeout=NULL WHERE id=$1`,
		job.ID); err != nil {
		return fmt.Errorf("finish cron job %s: %w", job.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO cronresults (cronjob_id, node_name, start_time, finish_time, exit_status, log)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		result.CronJobID, result.NodeName, result.StartTime, result.FinishTime, result.ExitStatus, result.Log,
	); err != nil {
		return fmt.Errorf("insert cron result for %s: %w", job.ID, err)
	}

	// Delivered at commit: the cleared next_run re-arms every node's
	// suspended scheduler so it gets recomputed promptly.
	if _, err := tx.Exec(ctx, "NOTIFY cronjobs_modified"); err != nil {
		return fmt.Errorf("notify after finish of %s: %w", job.ID, err)
	}

	return tx.Commit(ctx)
}

// SetDelay persists a freshly-rolled jitter delay exactly once per
// schedule: the write is conditional on no delay having been persisted
// yet and on the schedule being unchanged since the row was read, so a
// concurrent edit or another node's roll wins and this one is
// discarded.
func (r *Repo) SetDelay(ctx context.Context, id, schedule string, delay time.Duration, delayRange time.Duration) (bool, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE cronjobs SET delay=$2, delay_range=$3 WHERE id=$1 AND delay IS NULL AND schedule=$4`,
		id, delay.Seconds(), delayRange.Seconds(), schedule)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
