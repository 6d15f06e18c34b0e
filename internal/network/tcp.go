package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrConnectFailed is returned when every dial attempt failed.
var ErrConnectFailed = errors.New("could not connect")

// DefaultConnectAttempts is used when DialOptions.Attempts is not set.
const DefaultConnectAttempts = 5

// DialOptions control connection retries.
type DialOptions struct {
	Attempts int
	// Backoff is the pause between attempts. Zero retries immediately.
	Backoff time.Duration
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultConnectAttempts
	}
	return o
}

// AcceptTCP listens on port with SO_REUSEADDR, waits for exactly one peer and
// closes the listener.
func AcceptTCP(ctx context.Context, port int) (net.Conn, error) {
	addr := net.JoinHostPort("", strconv.Itoa(port))

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return acceptOne(ctx, listener)
}

func acceptOne(ctx context.Context, listener net.Listener) (net.Conn, error) {
	defer listener.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("waiting for a connection")
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	}
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("got a connection")
	return conn, nil
}

// DialTCP connects to host:port, retrying with a fixed backoff.
func DialTCP(ctx context.Context, host string, port int, opts DialOptions) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	return dialWithRetry(ctx, addr, opts, func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	})
}

func dialWithRetry(ctx context.Context, addr string, opts DialOptions, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	opts = opts.withDefaults()
	logger := log.With().Str("component", "dialer").Str("addr", addr).Logger()

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		logger.Info().Msgf("connecting, attempt %d/%d", attempt, opts.Attempts)

		conn, err := dial(ctx)
		if err == nil {
			logger.Info().Msg("connected")
			return conn, nil
		}
		lastErr = err
		logger.Warn().Err(err).Msg("failed to connect")

		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Backoff):
		}
	}
	return nil, fmt.Errorf("%w to %s after %d attempts: %v", ErrConnectFailed, addr, opts.Attempts, lastErr)
}
