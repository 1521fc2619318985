package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"sessiond/internal/common"
	"sessiond/internal/logging"
	"sessiond/internal/server/models"
)

// ServiceKeyHeader authenticates this service to the peer.
const ServiceKeyHeader = "X-Service-Key"

// Options configures a Client. Zero values fall back to the documented
// defaults.
type Options struct {
	BaseURL          string
	ServiceKey       string
	RequestTimeout   time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxAttempts      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	QueuePerAccount  int
	QueueTTL         time.Duration
}

// Client ships session/user events to the peer service and validates tokens
// remotely as a fallback. Failures to propagate state are never surfaced to
// end users; they are logged, metered, and queued for replay.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	breaker    *Breaker
	queue      *ReplayQueue
	logger     logging.Logger

	retryBase   time.Duration
	retryCap    time.Duration
	maxAttempts int

	stats stats
}

// Stats is a snapshot of the call counters.
type Stats struct {
	Successes    int64
	Failures     int64
	AvgLatencyMS float64
	QueueDepth   int
	BreakerState string
}

type stats struct {
	mu         sync.Mutex
	successes  int64
	failures   int64
	avgLatency time.Duration
}

// record folds one observed latency into the counters. The rolling average
// is an EWMA with alpha 1/5 so it tracks recent behavior.
func (s *stats) record(ok bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok {
		s.successes++
	} else {
		s.failures++
	}
	if s.avgLatency == 0 {
		s.avgLatency = latency
	} else {
		s.avgLatency += (latency - s.avgLatency) / 5
	}
}

// New constructs a Client. An empty BaseURL yields a client whose Notify is
// a logged no-op, for deployments with no peer configured.
func New(opts Options, logger logging.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 4 * time.Second
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}

	return &Client{
		baseURL:     opts.BaseURL,
		serviceKey:  opts.ServiceKey,
		httpClient:  &http.Client{Timeout: opts.RequestTimeout},
		breaker:     NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		queue:       NewReplayQueue(opts.QueuePerAccount, opts.QueueTTL),
		logger:      logger.With("component", "syncclient"),
		retryBase:   opts.RetryBase,
		retryCap:    opts.RetryCap,
		maxAttempts: opts.MaxAttempts,
	}
}

// permanentError marks a peer response that must not be retried (4xx).
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("peer rejected request: status %d", e.status)
}

// Notify delivers one event to the peer. On an open circuit or exhausted
// retries the event is parked on the replay queue and
// common.ErrDependencyUnavailable is returned; callers treat delivery as
// best-effort.
func (c *Client) Notify(ctx context.Context, event models.SyncEvent) error {
	if c.baseURL == "" {
		c.logger.Debug(ctx, "no peer configured, dropping event", "kind", event.Kind)
		return nil
	}

	err := c.deliver(ctx, event)
	if err == nil {
		return nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		c.logger.Warn(ctx, "peer rejected event", "kind", event.Kind, "status", perm.status)
		return err
	}

	if dropped := c.queue.Push(event); dropped {
		c.logger.Warn(ctx, "replay queue overflow, oldest event dropped", "account_id", event.AccountID)
	}
	c.logger.Warn(ctx, "event queued for replay", "kind", event.Kind, "queue_depth", c.queue.Len(), "error", err.Error())
	return common.ErrDependencyUnavailable
}

// ValidateRemote asks the peer to validate a token, used only as a fallback
// when local storage is ambiguous. The breaker applies as for Notify.
func (c *Client) ValidateRemote(ctx context.Context, token string) (*RemoteValidation, error) {
	if c.baseURL == "" {
		return nil, common.ErrDependencyUnavailable
	}

	var result RemoteValidation
	err := c.call(ctx, "/validate-token", map[string]string{"token": token}, &result)
	if err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, common.ErrAuthentication
		}
		return nil, common.ErrDependencyUnavailable
	}
	if !result.Valid {
		return nil, common.ErrAuthentication
	}
	return &result, nil
}

// RemoteValidation is the peer's answer to a fallback validation request.
type RemoteValidation struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	TokenType string `json:"token_type"`
}

// DrainReplay reattempts queued events while the peer is healthy. A failed
// delivery re-queues the event and stops the drain; the next sweep retries.
func (c *Client) DrainReplay(ctx context.Context, max int) int {
	if c.baseURL == "" || c.breaker.CurrentState() != StateClosed {
		return 0
	}

	delivered := 0
	batch := c.queue.PopBatch(max)
	for i, event := range batch {
		if err := c.deliver(ctx, event); err != nil {
			// Return the unattempted tail to the queue; only a
			// permanently rejected event is discarded.
			rest := batch[i:]
			var perm *permanentError
			if errors.As(err, &perm) {
				rest = batch[i+1:]
			}
			for _, ev := range rest {
				c.queue.Push(ev)
			}
			c.logger.Warn(ctx, "replay delivery failed", "kind", event.Kind, "requeued", len(rest), "error", err.Error())
			break
		}
		delivered++
	}
	if delivered > 0 {
		c.logger.Info(ctx, "replayed queued events", "delivered", delivered, "remaining", c.queue.Len())
	}
	return delivered
}

// Stats returns a snapshot of the observability counters.
func (c *Client) Stats() Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	return Stats{
		Successes:    c.stats.successes,
		Failures:     c.stats.failures,
		AvgLatencyMS: float64(c.stats.avgLatency) / float64(time.Millisecond),
		QueueDepth:   c.queue.Len(),
		BreakerState: c.breaker.CurrentState().String(),
	}
}

func (c *Client) deliver(ctx context.Context, event models.SyncEvent) error {
	path := "/sync-session"
	if event.Kind == models.EventUserDataChanged {
		path = "/sync-user"
	}
	return c.call(ctx, path, event, nil)
}

// call runs one breaker-gated, retried POST. Only transport errors and 5xx
// responses are retried; 4xx returns immediately as permanent.
func (c *Client) call(ctx context.Context, path string, payload any, out any) error {
	backoff := retry.WithCappedDuration(c.retryCap, retry.NewExponential(c.retryBase))
	backoff = retry.WithMaxRetries(uint64(c.maxAttempts-1), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !c.breaker.Allow() {
			return common.ErrDependencyUnavailable
		}

		start := time.Now()
		err := c.post(ctx, path, payload, out)
		latency := time.Since(start)

		var perm *permanentError
		switch {
		case err == nil:
			c.stats.record(true, latency)
			c.breaker.RecordSuccess()
			return nil
		case errors.As(err, &perm):
			// Application-level rejection: the peer is healthy.
			c.stats.record(false, latency)
			c.breaker.RecordSuccess()
			return err
		default:
			c.stats.record(false, latency)
			if state := c.breaker.RecordFailure(); state == StateOpen {
				c.logger.Warn(ctx, "circuit opened", "path", path)
			}
			return retry.RetryableError(err)
		}
	})
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &permanentError{status: 0}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &permanentError{status: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServiceKeyHeader, c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("peer request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode peer response: %w", err)
			}
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &permanentError{status: resp.StatusCode}
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
}
