package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"realtime-service/domain"
)

// PostgresSource LISTENs on the signal names. The table triggers call
// pg_notify('<table>_changes', row_to_json(NEW)::text).
type PostgresSource struct {
	dsn       string
	keepAlive time.Duration
}

func NewPostgresSource(dsn string, keepAlive time.Duration) *PostgresSource {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &PostgresSource{dsn: dsn, keepAlive: keepAlive}
}

func (s *PostgresSource) Open(ctx context.Context, signals []string) (Feed, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	for _, sig := range signals {
		if _, err := conn.Exec(ctx, listenStatement(sig)); err != nil {
			conn.Close(context.Background())
			return nil, fmt.Errorf("postgres listen %s: %w", sig, err)
		}
	}
	return &postgresFeed{conn: conn, keepAlive: s.keepAlive}, nil
}

func listenStatement(signal string) string {
	return "LISTEN " + pgx.Identifier{signal}.Sanitize()
}

// pgConn is the part of *pgx.Conn the feed uses.
type pgConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	IsClosed() bool
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type postgresFeed struct {
	conn      pgConn
	keepAlive time.Duration
}

func (f *postgresFeed) Next(ctx context.Context) (domain.Signal, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, f.keepAlive)
		n, err := f.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// an interrupted wait may leave the connection closed
				if f.conn.IsClosed() {
					return domain.Signal{}, errors.New("postgres connection closed while idle")
				}
				if perr := f.conn.Ping(ctx); perr != nil {
					return domain.Signal{}, fmt.Errorf("postgres keep-alive: %w", perr)
				}
				continue
			}
			return domain.Signal{}, fmt.Errorf("postgres wait: %w", err)
		}
		return domain.Signal{Name: n.Channel, Payload: []byte(n.Payload), ReceivedAt: time.Now()}, nil
	}
}

func (f *postgresFeed) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.conn.Close(ctx)
}
