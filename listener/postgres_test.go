package listener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"realtime-service/domain"
)

type waitResult struct {
	n   *pgconn.Notification
	err error
}

type fakePgConn struct {
	mu      sync.Mutex
	waits   []waitResult
	closed  bool
	pingErr error
	pings   int
}

func (c *fakePgConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	if len(c.waits) > 0 {
		r := c.waits[0]
		c.waits = c.waits[1:]
		c.mu.Unlock()
		return r.n, r.err
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakePgConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakePgConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakePgConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakePgConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func TestPostgresFeedDeliversNotification(t *testing.T) {
	conn := &fakePgConn{waits: []waitResult{{n: &pgconn.Notification{Channel: domain.TradesSignal, Payload: `{"tradeId":"t1"}`}}}}
	feed := &postgresFeed{conn: conn, keepAlive: time.Hour}

	sig, err := feed.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if sig.Name != domain.TradesSignal || string(sig.Payload) != `{"tradeId":"t1"}` || sig.ReceivedAt.IsZero() {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if conn.pingCount() != 0 {
		t.Fatal("no ping expected while notifications arrive")
	}
}

func TestPostgresFeedPingsWhenIdle(t *testing.T) {
	conn := &fakePgConn{}
	feed := &postgresFeed{conn: conn, keepAlive: 5 * time.Millisecond}

	go func() {
		for conn.pingCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		conn.mu.Lock()
		conn.waits = append(conn.waits, waitResult{n: &pgconn.Notification{Channel: domain.OrdersSignal, Payload: `{}`}})
		conn.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sig, err := feed.Next(ctx)
	if err != nil {
		t.Fatalf("a successful ping must keep the feed open: %v", err)
	}
	if sig.Name != domain.OrdersSignal || conn.pingCount() == 0 {
		t.Fatalf("unexpected signal %+v after %d pings", sig, conn.pingCount())
	}
}

func TestPostgresFeedEndsWhenPingFails(t *testing.T) {
	pingErr := errors.New("broken pipe")
	feed := &postgresFeed{conn: &fakePgConn{pingErr: pingErr}, keepAlive: 5 * time.Millisecond}

	_, err := feed.Next(context.Background())
	if !errors.Is(err, pingErr) {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestPostgresFeedEndsWhenClosedWhileIdle(t *testing.T) {
	conn := &fakePgConn{closed: true}
	feed := &postgresFeed{conn: conn, keepAlive: 5 * time.Millisecond}

	_, err := feed.Next(context.Background())
	if err == nil || !strings.Contains(err.Error(), "closed while idle") {
		t.Fatalf("expected closed connection error, got %v", err)
	}
	if conn.pingCount() != 0 {
		t.Fatal("a closed connection must not be pinged")
	}
}

func TestPostgresFeedStopsOnCancel(t *testing.T) {
	conn := &fakePgConn{}
	feed := &postgresFeed{conn: conn, keepAlive: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := feed.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if conn.pingCount() != 0 {
		t.Fatal("no ping expected after cancel")
	}
	if err := feed.Close(); err != nil || !conn.IsClosed() {
		t.Fatalf("close: %v", err)
	}
}

func TestListenStatementQuotesSignal(t *testing.T) {
	if got := listenStatement(domain.BalancesSignal); got != `LISTEN "user_balances_changes"` {
		t.Fatalf("unexpected statement %s", got)
	}
}
