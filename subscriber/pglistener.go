package subscriber

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Conn is the minimal physical-connection contract a backend must satisfy
// to back a BackoffListener: issue LISTEN/UNLISTEN and block for the next
// notification on one dedicated connection.
type Conn interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (payload string, err error)
	Release()
}

// BackoffListener is a Listener that acquires one dedicated Conn per
// channel, reconnecting with exponential backoff (min(1000*2^n, 30000ms),
// spec §4.5) whenever the connection is lost, and issuing UNLISTEN exactly
// once when the channel is torn down.
type BackoffListener struct {
	acquire func(ctx context.Context) (Conn, error)
}

// NewBackoffListener wraps an acquire function — each call must return a
// fresh dedicated connection — into a reconnecting Listener.
func NewBackoffListener(acquire func(ctx context.Context) (Conn, error)) *BackoffListener {
	return &BackoffListener{acquire: acquire}
}

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

func nextBackoff(attempt int) time.Duration {
	d := initialBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Listen acquires a dedicated connection and issues LISTEN on it
// synchronously so initial failures surface from Subscribe itself, then
// hands delivery off to a background goroutine that keeps the channel
// alive across connection loss.
func (l *BackoffListener) Listen(ctx context.Context, channel string, onNotify func(string), onError func(error)) (func(), error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Listen(ctx, channel); err != nil {
		conn.Release()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())

	go l.run(listenCtx, conn, channel, onNotify, onError)

	unlisten := func() {
		cancel()
	}
	return unlisten, nil
}

func (l *BackoffListener) run(ctx context.Context, conn Conn, channel string, onNotify func(string), onError func(error)) {
	current := conn
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := current.Unlisten(unlistenCtx, channel); err != nil {
			// Unlisten errors are swallowed per spec §4.5.
			_ = err
		}
		current.Release()
	}()

	attempt := 0
	for {
		payload, err := current.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			onError(err)
			current.Release()

			for {
				select {
				case <-time.After(nextBackoff(attempt)):
				case <-ctx.Done():
					return
				}
				attempt++

				next, err := l.acquire(ctx)
				if err != nil {
					onError(err)
					continue
				}
				if err := next.Listen(ctx, channel); err != nil {
					next.Release()
					onError(err)
					continue
				}
				current = next
				attempt = 0
				break
			}
			continue
		}

		onNotify(payload)
	}
}

// EscapeChannel double-quotes a channel name for SQL and doubles any
// embedded quotes, per spec §6's LISTEN/UNLISTEN markers.
func EscapeChannel(channel string) string {
	return `"` + strings.ReplaceAll(channel, `"`, `""`) + `"`
}

// ListenSQL and UnlistenSQL are the bit-exact statements backends issue.
func ListenSQL(channel string) string   { return fmt.Sprintf("LISTEN %s", EscapeChannel(channel)) }
func UnlistenSQL(channel string) string { return fmt.Sprintf("UNLISTEN %s", EscapeChannel(channel)) }
