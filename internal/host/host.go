// Package host defines the surface the runtime consumes from the surrounding
// database backend: the in-transaction query interface, setting lookups, and
// the pending-interrupt flags the watchdog polls.
//
// A backend serves exactly one client connection; everything here is reached
// from that connection's goroutine except Interrupts, which must be safe to
// poll from the watchdog.
package host

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the in-transaction query interface the bridge and catalog run
// against. pgx.Tx satisfies it; tests substitute fakes.
type Tx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Interrupts exposes the host's pending cancellation flags. Implementations
// must be safe for concurrent use: the watchdog polls from its own goroutine.
type Interrupts interface {
	// CancelPending reports a pending query-cancel signal.
	CancelPending() bool
	// DiePending reports a pending backend-shutdown signal.
	DiePending() bool
}

// NoInterrupts is an Interrupts that never fires.
type NoInterrupts struct{}

func (NoInterrupts) CancelPending() bool { return false }
func (NoInterrupts) DiePending() bool    { return false }

// Setting reads current_setting(name, true) in the transaction. A missing or
// empty setting yields ("", false).
func Setting(ctx context.Context, tx Tx, name string) (string, bool) {
	var value *string
	if err := tx.QueryRow(ctx, "SELECT current_setting($1, true)", name).Scan(&value); err != nil {
		return "", false
	}
	if value == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}
