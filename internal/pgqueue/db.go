// Package pgqueue wraps one partition's PostgreSQL access: a
// single-owner notification connection driven as a small state machine
// (LISTEN/NOTIFY dispatch by channel name, fixed-delay reconnect), plus
// a pgxpool.Pool for statements, since operator goroutines record their
// results concurrently with the partition loop's own queries.
package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// State is one of the connection lifecycle states.
type State int

const (
	Uninitialized State = iota
	Connecting
	Ready
	Disconnected
	Waiting
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case Waiting:
		return "waiting"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectDelay is the fixed delay between disconnect and the next
// connection attempt.
const ReconnectDelay = 10 * time.Second

// NotifyHandler is invoked for every NOTIFY received on conn's channel.
type NotifyHandler func(channel, payload string)

// DB is one partition's PostgreSQL access: the single-owner
// notification connection plus the statement pool the repo layers (see
// internal/workshopqueue, internal/cronqueue) issue their SQL through.
type DB struct {
	dsn    string
	logger *slog.Logger
	schema string
	pool   *pgxpool.Pool

	mu    sync.Mutex
	state State
	conn  *pgx.Conn

	onConnect    func(ctx context.Context, conn *pgx.Conn) error
	onDisconnect func(error)
	onNotify     NotifyHandler
}

// New constructs a DB bound to dsn. The pool connects lazily; Connect
// must still be called to establish the notification connection.
func New(dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: pool config: %w", err)
	}
	return &DB{dsn: dsn, logger: logger, state: Uninitialized, pool: pool}, nil
}

// Pool returns the statement pool. Safe for concurrent use, unlike the
// notification connection.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// OnConnect registers a callback fired after a successful connection
// (and optional `SET schema`), before the state transitions to Ready.
func (db *DB) OnConnect(f func(ctx context.Context, conn *pgx.Conn) error) { db.onConnect = f }

// OnDisconnect registers a callback fired when the connection is lost.
func (db *DB) OnDisconnect(f func(error)) { db.onDisconnect = f }

// OnNotify registers the channel-name dispatch callback.
func (db *DB) OnNotify(f NotifyHandler) { db.onNotify = f }

// State returns the current lifecycle state.
func (db *DB) State() State {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// Conn returns the live connection, or nil if not Ready. Callers must
// not retain it across a reconnect.
func (db *DB) Conn() *pgx.Conn {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state != Ready {
		return nil
	}
	return db.conn
}

func (db *DB) setState(s State) {
	db.mu.Lock()
	db.state = s
	db.mu.Unlock()
}

// Connect performs the initial connection, blocking with the standard
// reconnect policy until it succeeds or ctx is canceled.
func (db *DB) Connect(ctx context.Context) error {
	return db.connectWithRetry(ctx)
}

func (db *DB) connectWithRetry(ctx context.Context) error {
	db.setState(Connecting)
	err := retry.Do(
		func() error { return db.tryConnect(ctx) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			db.logger.Warn("database connect failed, retrying", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return err
	}
	db.setState(Ready)
	return nil
}

func (db *DB) tryConnect(ctx context.Context) error {
	cfg, err := pgx.ParseConfig(db.dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	// Notifications that arrive while a query is being processed are
	// dispatched through this callback rather than WaitForNotification.
	cfg.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
		if db.onNotify != nil {
			db.onNotify(n.Channel, n.Payload)
		}
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if db.schema != "" {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", db.schema)); err != nil {
			conn.Close(ctx)
			return fmt.Errorf("set schema: %w", err)
		}
	}
	if db.onConnect != nil {
		if err := db.onConnect(ctx, conn); err != nil {
			conn.Close(ctx)
			return fmt.Errorf("on-connect: %w", err)
		}
	}
	db.mu.Lock()
	db.conn = conn
	db.mu.Unlock()
	return nil
}

// handleLoss transitions to Disconnected, fires the callback, and
// schedules the reconnect loop.
func (db *DB) handleLoss(ctx context.Context, cause error) {
	db.setState(Disconnected)
	if db.onDisconnect != nil {
		db.onDisconnect(cause)
	}
	db.setState(Waiting)
	go func() {
		db.setState(Reconnecting)
		if err := db.connectWithRetry(ctx); err != nil {
			db.logger.Error("reconnect loop aborted", "error", err)
		}
	}()
}

// waitSlice bounds each WaitForNotification call inside WaitWake so the
// out-of-band wake channel is observed between slices. The connection
// is never used from more than one goroutine: queries and notification
// waits are phases of the same loop.
const waitSlice = time.Second

// WaitWake blocks until a notification arrives (dispatching it), the
// wake channel fires, the until deadline passes, or ctx is done. On
// connection loss it triggers the reconnect policy and returns the
// error; the caller sleeps and retries once the state is Ready again.
func (db *DB) WaitWake(ctx context.Context, until time.Time, wake <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			return nil
		default:
		}

		now := time.Now()
		if !now.Before(until) {
			return nil
		}

		conn := db.Conn()
		if conn == nil {
			// Reconnecting; sleep a slice and check again.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
				return nil
			case <-time.After(waitSlice):
			}
			continue
		}

		slice := until.Sub(now)
		if slice > waitSlice {
			slice = waitSlice
		}
		cctx, cancel := context.WithTimeout(ctx, slice)
		// The notification itself is dispatched through the
		// OnNotification callback configured at connect time; this
		// call only blocks until one arrives.
		err := conn.PgConn().WaitForNotification(cctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cctx.Err() != nil {
				continue // slice elapsed, re-check wake/deadline
			}
			db.handleLoss(ctx, err)
			return err
		}
		return nil
	}
}

// Listen issues a LISTEN for the given channel on the owned connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn := db.Conn()
	if conn == nil {
		return fmt.Errorf("pgqueue: Listen called while not Ready")
	}
	_, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	return err
}

// checkNotifyTimeout bounds each CheckNotify receive attempt; buffered
// notifications surface well within it.
const checkNotifyTimeout = 10 * time.Millisecond

// CheckNotify drains any notifications already buffered on the
// connection, ensuring state-changing calls that may have produced a
// self-NOTIFY are observed before the next idle wait.
func (db *DB) CheckNotify(ctx context.Context) {
	conn := db.Conn()
	if conn == nil {
		return
	}
	for {
		cctx, cancel := context.WithTimeout(ctx, checkNotifyTimeout)
		err := conn.PgConn().WaitForNotification(cctx)
		cancel()
		if err != nil {
			return
		}
	}
}

// Close closes the notification connection and the statement pool.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	conn := db.conn
	db.conn = nil
	db.mu.Unlock()
	db.pool.Close()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}
