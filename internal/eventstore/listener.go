package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
)

// AppendNotification is the payload delivered on the append channel.
type AppendNotification struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Sequence domain.Sequence `json:"sequence"`
}

// Listener holds a dedicated pooled connection subscribed to the append
// channel. Close releases the connection; the projection poller drives Wait
// from its own loop.
type Listener struct {
	conn *pgxpool.Conn
}

// NewListener acquires a connection and subscribes to the append channel.
func (s *Store) NewListener(ctx context.Context) (*Listener, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	return &Listener{conn: conn}, nil
}

// Wait blocks until a notification arrives or ctx is done. Callers pass a
// deadline context to bound the wait (the poll interval); a deadline
// expiry returns (nil, nil) so the caller can fall through to polling.
func (l *Listener) Wait(ctx context.Context) (*AppendNotification, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	var payload AppendNotification
	if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode append notification: %w", err)
	}
	return &payload, nil
}

// Close unsubscribes and releases the connection.
func (l *Listener) Close() {
	if l.conn == nil {
		return
	}
	// Best effort; the connection is returned to the pool either way.
	ctx := context.Background()
	_, _ = l.conn.Exec(ctx, "UNLISTEN "+NotifyChannel)
	l.conn.Release()
	l.conn = nil
}
