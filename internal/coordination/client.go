// Package coordination wraps the Redis client used for cross-instance
// shared state: rate-limit counters and distributed circuit breaker state.
// Every caller goes through this package rather than holding a
// *redis.Client directly, so the failure surface (timeouts, connection
// loss) is typed and uniform across C2 and C6.
package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when Redis could not be reached within the
// call's deadline. Callers that can fail open (rate limiting) should
// treat this distinctly from a script/logic error.
var ErrUnavailable = errors.New("coordination: redis unavailable")

// Client is a thin façade over *redis.Client scoped to what C2 and C6 need:
// scripted atomic transactions and a liveness probe.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// Config configures the underlying Redis connection.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CallTimeout bounds each scripted call made through this client.
	// Coordination is on the hot path, so this should be small; a
	// slow Redis must not slow the gateway down more than this.
	CallTimeout time.Duration
}

// New constructs a Client. It does not dial eagerly; go-redis connects
// lazily on first use and maintains its own pool.
func New(cfg Config) *Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   -1, // retries disabled: callers set their own deadline and fail open
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 100 * time.Millisecond
	}
	return &Client{rdb: redis.NewClient(opts), timeout: callTimeout}
}

// NewFromClient wraps an already-constructed *redis.Client, used by tests
// that point at a miniredis instance.
func NewFromClient(rdb *redis.Client, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 100 * time.Millisecond
	}
	return &Client{rdb: rdb, timeout: callTimeout}
}

// Raw returns the underlying *redis.Client for callers (Lua script
// runners) that need it directly.
func (c *Client) Raw() *redis.Client { return c.rdb }

// CallContext derives a context bounded by the client's call timeout.
func (c *Client) CallContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.timeout)
}

// Ping reports whether Redis is reachable right now.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.CallContext(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
