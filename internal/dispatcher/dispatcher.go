// Package dispatcher periodically drains tenant queues into the outbound channel.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/queue"
	"github.com/bissquit/alarm-relay/internal/ratelimit"
	"github.com/bissquit/alarm-relay/internal/telegram"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

// Outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeReleased = "released"
)

const errNoCredentials = "no outbound credentials"

// Config contains dispatcher configuration.
type Config struct {
	TickInterval         time.Duration
	MaxConcurrentTenants int
	SendTimeout          time.Duration
	// Priorities limits which priorities are dispatched. Empty means all.
	Priorities         []domain.Priority
	DefaultCredentials domain.TelegramCredentials
	// ClaimTTL is how long a claim stays ours before stuck recovery may take
	// it back. A batch stops sending once the next send could outlive it.
	// Zero disables the check.
	ClaimTTL time.Duration
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:         5 * time.Second,
		MaxConcurrentTenants: 4,
		SendTimeout:          15 * time.Second,
	}
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, creds domain.TelegramCredentials, msg telegram.Message) (*telegram.Response, error)
}

// Renderer turns an entry into message text.
type Renderer interface {
	Render(entry *domain.QueueEntry) (string, error)
}

// BatchResult counts the outcomes of one tenant batch.
type BatchResult struct {
	Claimed  int
	Sent     int
	Retried  int
	Failed   int
	Released int
}

func (r BatchResult) attempted() int {
	return r.Sent + r.Retried + r.Failed
}

// Dispatcher sends queued alarms tenant by tenant. Batches of one tenant are
// sent sequentially; different tenants run concurrently.
type Dispatcher struct {
	config   Config
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	configs  tenant.Provider
	sender   Sender
	renderer Renderer
	now      func() time.Time
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher.
func New(config Config, q *queue.Queue, limiter *ratelimit.Limiter, configs tenant.Provider, sender Sender, renderer Renderer, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.MaxConcurrentTenants <= 0 {
		config.MaxConcurrentTenants = def.MaxConcurrentTenants
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}

	d := &Dispatcher{
		config:   config,
		queue:    q,
		limiter:  limiter,
		configs:  configs,
		sender:   sender,
		renderer: renderer,
		now:      time.Now,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher",
		"tick_interval", d.config.TickInterval,
		"max_concurrent_tenants", d.config.MaxConcurrentTenants,
		"send_timeout", d.config.SendTimeout,
	)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop stops the tick loop and waits for the current tick to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("dispatcher tick failed", "error", err)
			}
		}
	}
}

// Tick processes one batch for every tenant with claimable work.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	tenants, err := d.queue.TenantsWithWork(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(d.config.MaxConcurrentTenants)
	for _, tenantID := range tenants {
		g.Go(func() error {
			if _, err := d.ProcessTenant(ctx, tenantID); err != nil {
				d.logger.Error("tenant batch failed", "customer_id", tenantID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessTenant runs one rate-limited batch for a tenant.
func (d *Dispatcher) ProcessTenant(ctx context.Context, tenantID string) (BatchResult, error) {
	var res BatchResult

	if !d.limiter.CanSendBatch(ctx, tenantID) {
		rateLimitSkips.Inc()
		d.logger.Debug("tenant rate limited",
			"customer_id", tenantID,
			"wait", d.limiter.WaitTime(ctx, tenantID),
		)
		return res, nil
	}

	rc := d.limiter.RateControl(ctx, tenantID)
	entries, dqErr := d.queue.Dequeue(ctx, tenantID, rc.BatchSize, d.config.Priorities)
	res.Claimed = len(entries)
	if len(entries) == 0 {
		return res, dqErr
	}
	if dqErr != nil {
		// Entries claimed before the error are still ours to send.
		d.logger.Warn("partial dequeue", "customer_id", tenantID, "error", dqErr)
	}

	creds := d.credentials(ctx, tenantID)
	claimedAt := d.now()

	for i, entry := range entries {
		if ctx.Err() != nil || d.claimExpiring(claimedAt) {
			d.releaseAll(ctx, entries[i:], &res)
			break
		}
		switch d.processEntry(ctx, entry, rc, creds) {
		case OutcomeSent:
			res.Sent++
		case OutcomeRetry:
			res.Retried++
		case OutcomeFailed:
			res.Failed++
		case OutcomeReleased:
			res.Released++
		}
	}

	if n := res.attempted(); n > 0 {
		d.limiter.RecordBatchDispatch(context.WithoutCancel(ctx), tenantID, n)
	}

	d.logger.Info("tenant batch dispatched",
		"customer_id", tenantID,
		"claimed", res.Claimed,
		"sent", res.Sent,
		"retried", res.Retried,
		"failed", res.Failed,
		"released", res.Released,
	)
	return res, dqErr
}

func (d *Dispatcher) claimExpiring(claimedAt time.Time) bool {
	if d.config.ClaimTTL <= 0 {
		return false
	}
	return d.now().Sub(claimedAt)+d.config.SendTimeout >= d.config.ClaimTTL
}

func (d *Dispatcher) credentials(ctx context.Context, tenantID string) domain.TelegramCredentials {
	cfg, err := d.configs.Get(ctx, tenantID)
	if err != nil {
		d.logger.Warn("tenant config unavailable, using default credentials",
			"customer_id", tenantID,
			"error", err,
		)
	}
	if cfg != nil && cfg.Telegram.Complete() {
		return cfg.Telegram
	}
	return d.config.DefaultCredentials
}

// processEntry sends one claimed entry and records its outcome. Status
// updates survive cancellation of ctx so entries do not linger in SENDING.
func (d *Dispatcher) processEntry(ctx context.Context, entry *domain.QueueEntry, rc domain.RateControl, creds domain.TelegramCredentials) string {
	updCtx := context.WithoutCancel(ctx)

	if entry.LastAttemptAt != nil && !d.limiter.ShouldRetryNow(entry, rc) {
		if err := d.queue.Release(updCtx, entry.ID, domain.StatusRetry); err != nil {
			d.logger.Error("failed to release entry", "queue_id", entry.ID, "error", err)
		}
		recordOutcome(OutcomeReleased)
		return OutcomeReleased
	}

	if !creds.Complete() {
		d.fail(updCtx, entry, 0, errors.New(errNoCredentials))
		return OutcomeFailed
	}

	text, err := d.renderer.Render(entry)
	if err != nil {
		d.fail(updCtx, entry, 0, fmt.Errorf("render: %w", err))
		return OutcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	start := time.Now()
	resp, err := d.sender.Send(sendCtx, creds, telegram.Message{
		Text:                text,
		DisableNotification: entry.Priority == domain.PriorityLow,
	})
	cancel()
	recordSendDuration(time.Since(start))

	if err != nil {
		// Aborted by our own shutdown, not by the channel.
		if ctx.Err() != nil {
			if relErr := d.release(updCtx, entry); relErr != nil {
				d.logger.Error("failed to release entry", "queue_id", entry.ID, "error", relErr)
			}
			recordOutcome(OutcomeReleased)
			return OutcomeReleased
		}
		return d.handleSendError(updCtx, entry, rc, err)
	}

	status := resp.StatusCode
	body := resp.Body
	if err := d.queue.UpdateStatus(updCtx, entry.ID, domain.StatusSent, queue.Result{
		HTTPStatus:   &status,
		ResponseBody: &body,
	}); err != nil {
		d.logger.Error("failed to mark as sent", "queue_id", entry.ID, "error", err)
	}
	recordOutcome(OutcomeSent)

	d.logTransition(entry, domain.StatusSent, "message_id", resp.MessageID)
	return OutcomeSent
}

func (d *Dispatcher) handleSendError(ctx context.Context, entry *domain.QueueEntry, rc domain.RateControl, err error) string {
	code := telegram.StatusCode(err)

	d.logger.Warn("send failed",
		"queue_id", entry.ID,
		"customer_id", entry.CustomerID,
		"retry_count", entry.RetryCount,
		"max_retries", entry.MaxRetries,
		"error", err,
	)

	var perm *telegram.PermanentError
	if errors.As(err, &perm) {
		d.fail(ctx, entry, code, err)
		return OutcomeFailed
	}

	if !queue.ShouldRetry(entry) {
		d.fail(ctx, entry, code, fmt.Errorf("max retries exceeded: %w", err))
		return OutcomeFailed
	}

	retryCount := entry.RetryCount + 1
	delay := ratelimit.CalculateRetryDelay(retryCount, rc.RetryBackoff, rc.BaseDelaySeconds)
	if ra := telegram.GetRetryAfter(err); ra > delay {
		delay = ra
	}
	nextAttempt := d.now().Add(delay)
	msg := err.Error()

	if updErr := d.queue.UpdateStatus(ctx, entry.ID, domain.StatusRetry, queue.Result{
		HTTPStatus:    &code,
		ErrorMessage:  &msg,
		RetryCount:    &retryCount,
		NextAttemptAt: &nextAttempt,
	}); updErr != nil {
		d.logger.Error("failed to mark for retry", "queue_id", entry.ID, "error", updErr)
	}
	recordOutcome(OutcomeRetry)

	d.logTransition(entry, domain.StatusRetry,
		"retry_count", retryCount,
		"next_attempt", nextAttempt,
	)
	return OutcomeRetry
}

func (d *Dispatcher) fail(ctx context.Context, entry *domain.QueueEntry, code int, cause error) {
	msg := cause.Error()
	if err := d.queue.UpdateStatus(ctx, entry.ID, domain.StatusFailed, queue.Result{
		HTTPStatus:   &code,
		ErrorMessage: &msg,
	}); err != nil {
		d.logger.Error("failed to mark as failed", "queue_id", entry.ID, "error", err)
	}
	recordOutcome(OutcomeFailed)

	d.logTransition(entry, domain.StatusFailed, "error", msg)
}

// releaseAll hands unsent entries back for a later tick.
func (d *Dispatcher) releaseAll(ctx context.Context, entries []*domain.QueueEntry, res *BatchResult) {
	ctx = context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := d.release(ctx, entry); err != nil {
			d.logger.Error("failed to release entry", "queue_id", entry.ID, "error", err)
			continue
		}
		res.Released++
		recordOutcome(OutcomeReleased)
	}
}

// release returns an entry to the status it was claimed from.
func (d *Dispatcher) release(ctx context.Context, entry *domain.QueueEntry) error {
	status := domain.StatusPending
	if entry.LastAttemptAt != nil {
		status = domain.StatusRetry
	}
	return d.queue.Release(ctx, entry.ID, status)
}

func (d *Dispatcher) logTransition(entry *domain.QueueEntry, status domain.QueueStatus, args ...any) {
	attrs := append([]any{
		"queue_id", entry.ID,
		"customer_id", entry.CustomerID,
		"device_id", entry.DeviceID,
		"priority", int(entry.Priority),
		"status", status,
	}, args...)
	d.logger.Info("queue entry transitioned", attrs...)
}
