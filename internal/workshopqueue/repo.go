// Package workshopqueue is the SQL surface and queue-run algorithm for
// workshop jobs. The ten statement classes below are issued through the
// statement pool internal/pgqueue hands a partition.
package workshopqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool (and by *pgx.Conn, for tests
// that drive a single scripted connection).
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo issues the ten workshop statement classes.
type Repo struct {
	conn Querier
}

func NewRepo(conn Querier) *Repo {
	return &Repo{conn: conn}
}

// rowScanner is implemented by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkshopJob(row rowScanner) (*domain.WorkshopJob, error) {
	var j domain.WorkshopJob
	err := row.Scan(&j.ID, &j.PlanName, &j.Args, &j.Env, &j.Stdin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan workshop job: %w", err)
	}
	return &j, nil
}

// ReleaseOwn is statement 1: release every row this node was holding at
// startup, so a crashed-and-restarted node doesn't leave itself
// unrecoverably marked as owner. Released rows are announced on the
// new_job channel so other nodes pick them up.
func (r *Repo) ReleaseOwn(ctx context.Context, nodeName string) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE jobs SET node_name=NULL, node_timeout=NULL, progress=0
		 WHERE node_name=$1 AND time_done IS NULL AND exit_status IS NULL`,
		nodeName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return r.NotifyNewJob(ctx)
	}
	return nil
}

// ReleaseExpired is statement 2: free rows abandoned by dead nodes.
// Freed rows are announced on the new_job channel.
func (r *Repo) ReleaseExpired(ctx context.Context, selfNode string) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`UPDATE jobs SET node_name=NULL, node_timeout=NULL, progress=0
		 WHERE time_done IS NULL AND node_name IS NOT NULL AND node_name<>$1 AND node_timeout<now()`,
		selfNode)
	if err != nil {
		return 0, err
	}
	released := tag.RowsAffected()
	if released > 0 {
		if err := r.NotifyNewJob(ctx); err != nil {
			return released, err
		}
	}
	return released, nil
}

// Select is statement 3: the bounded, filtered pending-row select.
func (r *Repo) Select(ctx context.Context, include, exclude, lowprio string, limit int) ([]*domain.WorkshopJob, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, plan_name, args, env, stdin FROM jobs
		WHERE enabled AND node_name IS NULL AND time_done IS NULL AND exit_status IS NULL
		  AND (scheduled_time IS NULL OR now()>=scheduled_time)
		  AND plan_name=ANY($1::varchar[]) AND plan_name<>ALL($2::varchar[]||$3::varchar[])
		ORDER BY priority, time_created LIMIT $4`,
		include, exclude, lowprio, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.WorkshopJob
	for rows.Next() {
		j, err := scanWorkshopJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Claim is statement 4: the atomic ownership grab. A returned rows-
// affected of 0 means another node won the race (domain.ErrLostRace).
func (r *Repo) Claim(ctx context.Context, id, nodeName string, nodeTimeout time.Duration) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE jobs SET node_name=$1, node_timeout=now()+$3::interval, time_started=now()
		 WHERE id=$2 AND node_name IS NULL AND enabled`,
		nodeName, id, intervalLiteral(nodeTimeout))
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLostRace
	}
	return nil
}

// Progress is statement 5: progress update + node_timeout refresh.
func (r *Repo) Progress(ctx context.Context, id string, progress int, nodeTimeout time.Duration) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE jobs SET progress=$2, node_timeout=now()+$3::interval WHERE id=$1`,
		id, progress, intervalLiteral(nodeTimeout))
	return err
}

// RefreshTimeout renews the ownership lease without touching the
// progress column, for progress signals whose value did not change.
func (r *Repo) RefreshTimeout(ctx context.Context, id string, nodeTimeout time.Duration) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE jobs SET node_timeout=now()+$2::interval WHERE id=$1`,
		id, intervalLiteral(nodeTimeout))
	return err
}

// SetEnv is statement 6: replace any existing "K=..." assignment and
// append the new one.
func (r *Repo) SetEnv(ctx context.Context, id, assignment string) error {
	eq := indexByte(assignment, '=')
	if eq < 0 {
		return fmt.Errorf("workshopqueue: setenv assignment %q has no '='", assignment)
	}
	prefix := assignment[:eq+1] + "%"
	_, err := r.conn.Exec(ctx,
		`UPDATE jobs SET env=ARRAY(SELECT x FROM (SELECT unnest(env) AS x) y WHERE x NOT LIKE $3)||ARRAY[$2]::varchar[] WHERE id=$1`,
		id, assignment, prefix)
	return err
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Again is statement 7: reschedule without marking done. The released
// row is announced on the new_job channel so whichever node is free
// when the delay elapses can take it.
func (r *Repo) Again(ctx context.Context, id string, delay time.Duration, log string) error {
	tag, err := r.conn.Exec(ctx,
		`UPDATE jobs SET node_name=NULL, node_timeout=NULL, progress=0, log=$3,
		 scheduled_time=now()+$2*'1 second'::interval
		 WHERE id=$1 AND node_name IS NOT NULL AND time_done IS NULL`,
		id, delay.Seconds(), log)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return r.NotifyNewJob(ctx)
	}
	return nil
}

// NotifyNewJob announces pending-row changes to every listening node.
func (r *Repo) NotifyNewJob(ctx context.Context) error {
	_, err := r.conn.Exec(ctx, "NOTIFY new_job")
	return err
}

// Done is statement 8: final result. cpuUsage carries the cgroup CPU
// delta the operator accounted for this run; it rides along on the
// same UPDATE rather than a separate statement class.
func (r *Repo) Done(ctx context.Context, id string, exitStatus int, log string, cpuUsage time.Duration) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE jobs SET time_done=now(), progress=100, exit_status=$2, log=$3, cpu_usage=$4::interval WHERE id=$1`,
		id, exitStatus, log, intervalLiteral(cpuUsage))
	return err
}

// RateLimitProbe is statement 9: seconds remaining until the Nth most
// recent run (0-indexed via offset) of this plan falls outside window.
// A nil result means the plan is under its limit.
func (r *Repo) RateLimitProbe(ctx context.Context, planName string, window time.Duration, offset int) (*float64, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM time_started+$2::interval-now()) FROM jobs
		WHERE plan_name=$1 AND time_started>=now()-$2::interval
		ORDER BY time_started DESC LIMIT 1 OFFSET $3`,
		planName, intervalLiteral(window), offset)

	var seconds float64
	if err := row.Scan(&seconds); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("rate limit probe: %w", err)
	}
	return &seconds, nil
}

// Reap is statement 10: delete completed rows past their reap_finished
// retention window.
func (r *Repo) Reap(ctx context.Context, planName string, after time.Duration) (int64, error) {
	tag, err := r.conn.Exec(ctx,
		`DELETE FROM jobs WHERE plan_name=$1 AND time_done IS NOT NULL AND time_done<now()-$2::interval`,
		planName, intervalLiteral(after))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MinScheduledTime finds the earliest upcoming scheduled_time among
// pending rows matching include, for the adaptive re-wake. Returns nil
// if there is none.
func (r *Repo) MinScheduledTime(ctx context.Context, include string) (*time.Time, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT min(scheduled_time) FROM jobs
		WHERE enabled AND node_name IS NULL AND time_done IS NULL AND exit_status IS NULL
		  AND scheduled_time IS NOT NULL AND plan_name=ANY($1)`,
		include)
	var t *time.Time
	if err := row.Scan(&t); err != nil {
		return nil, fmt.Errorf("min scheduled time: %w", err)
	}
	return t, nil
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
