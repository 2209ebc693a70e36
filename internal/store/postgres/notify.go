package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"
)

// policyWriteChannel is the Postgres NOTIFY channel a grant/revoke write
// signals, so a running gateway's Expiry Ticker observes a policy change
// made by a separate `portcullis` CLI invocation within spec.md §5's 2s
// bound instead of waiting for its next scheduled wake.
const policyWriteChannel = "portcullis_policy_write"

// NotifyPolicyWrite issues a NOTIFY on policyWriteChannel over the given
// pool connection. Any pooled connection can send a NOTIFY; only LISTEN
// requires the dedicated connection ListenPolicyWrites holds.
func NotifyPolicyWrite(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "NOTIFY "+policyWriteChannel)
	return trace.Wrap(err)
}

// ListenPolicyWrites holds a dedicated connection LISTENing on
// policyWriteChannel and calls onNotify for every NOTIFY received, until
// ctx is canceled. It reconnects with a short backoff if the connection
// drops, the way lib/srv/sessiontracker.go's expiration loop tolerates a
// transient failure without giving up on the whole loop.
func ListenPolicyWrites(ctx context.Context, dbURL string, onNotify func(), log *logrus.Entry) {
	if log == nil {
		log = logrus.WithField("component", "policy-write-listener")
	}
	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, dbURL)
		if err != nil {
			log.WithError(err).Warn("policy-write listener: connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+policyWriteChannel); err != nil {
			log.WithError(err).Warn("policy-write listener: LISTEN failed")
			conn.Close(ctx)
			continue
		}

		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				if ctx.Err() != nil {
					conn.Close(ctx)
					return
				}
				log.WithError(err).Warn("policy-write listener: connection lost, reconnecting")
				conn.Close(ctx)
				break
			}
			onNotify()
		}
	}
}
