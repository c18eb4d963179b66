package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/notify"
	"alertflow/internal/notifyqueue"
	"alertflow/internal/permanent"
	"alertflow/internal/state"
	"alertflow/internal/telemetry"

	"golang.org/x/sync/semaphore"
)

const (
	defaultInterval     = 5 * time.Second
	defaultBatchSize    = 10
	defaultConcurrency  = 5
	defaultMaxQueueAge  = time.Hour
	defaultErrorBackoff = 30 * time.Second
	defaultFailedLimit  = 1000
)

var defaultRetryDelays = []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute}

// Options controls dispatcher loop cadence, batching, and retry policy.
// Params: loop interval, batch size, in-flight cap, retry ceiling and delay table, queue max age, loop error backoff, and per-send timeout.
// Returns: dispatcher tuning knobs.
type Options struct {
	Interval        time.Duration
	BatchSize       int
	Concurrency     int
	MaxRetries      int
	RetryDelays     []time.Duration
	MaxQueueAge     time.Duration
	ErrorBackoff    time.Duration
	DeliveryTimeout time.Duration
}

// OptionsFromConfig maps dispatcher config section to options.
// Params: validated dispatcher config.
// Returns: dispatcher options.
func OptionsFromConfig(cfg config.DispatcherConfig) Options {
	return Options{
		Interval:        time.Duration(cfg.IntervalSec) * time.Second,
		BatchSize:       cfg.BatchSize,
		Concurrency:     cfg.Concurrency,
		MaxRetries:      cfg.MaxRetries,
		RetryDelays:     cfg.RetryDelays(),
		MaxQueueAge:     time.Duration(cfg.MaxQueueAgeMin) * time.Minute,
		ErrorBackoff:    time.Duration(cfg.ErrorBackoffSec) * time.Second,
		DeliveryTimeout: time.Duration(cfg.DeliveryTimeoutSec) * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = append([]time.Duration(nil), defaultRetryDelays...)
	}
	if o.MaxQueueAge <= 0 {
		o.MaxQueueAge = defaultMaxQueueAge
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = defaultErrorBackoff
	}
	return o
}

// retryDelay returns backoff for retry count, clamped to last table entry.
func (o Options) retryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(o.RetryDelays) {
		retryCount = len(o.RetryDelays) - 1
	}
	return o.RetryDelays[retryCount]
}

// Sender delivers one notification request.
type Sender interface {
	SendNotification(ctx context.Context, request *domain.NotificationRequest) (notify.SendResult, error)
}

// Stats is dispatcher counters snapshot.
// Params: totals, queue sizes, and list lengths.
// Returns: read-only view for status endpoints and tests.
type Stats struct {
	Sent              int64                   `json:"sent"`
	Failed            int64                   `json:"failed"`
	Retried           int64                   `json:"retried"`
	RateLimited       int64                   `json:"rate_limited"`
	QueueSize         int                     `json:"queue_size"`
	QueueByPriority   map[domain.Priority]int `json:"queue_by_priority"`
	PendingRetry      int                     `json:"pending_retry"`
	PermanentlyFailed int                     `json:"permanently_failed"`
	Running           bool                    `json:"running"`
}

// Dispatcher builds notification requests and drains them through strategy registry.
// Params: options, sender, channel/template stores, renderer, dead-letter sink, clock, and logger.
// Returns: queue-backed background delivery loop.
type Dispatcher struct {
	opts       Options
	sender     Sender
	channels   state.ChannelStore
	templates  state.TemplateStore
	renderer   *notify.Renderer
	deadLetter notifyqueue.DeadLetter
	queue      *notifyqueue.PriorityQueue
	gate       *semaphore.Weighted
	clock      clock.Clock
	logger     *slog.Logger

	mu           sync.Mutex
	pendingRetry []*domain.NotificationRequest
	failed       []*domain.NotificationRequest
	failedLimit  int
	sent         int64
	failedTotal  int64
	retried      int64
	rateLimited  int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates dispatcher.
// Params: options, sender (usually notify.Registry), channel and template stores, renderer, optional dead-letter sink, clock, and logger.
// Returns: stopped dispatcher.
func New(
	opts Options,
	sender Sender,
	channels state.ChannelStore,
	templates state.TemplateStore,
	renderer *notify.Renderer,
	deadLetter notifyqueue.DeadLetter,
	clk clock.Clock,
	logger *slog.Logger,
) *Dispatcher {
	opts = opts.withDefaults()
	if renderer == nil {
		renderer = notify.NewRenderer()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		opts:        opts,
		sender:      sender,
		channels:    channels,
		templates:   templates,
		renderer:    renderer,
		deadLetter:  deadLetter,
		queue:       notifyqueue.NewPriorityQueue(),
		gate:        semaphore.NewWeighted(int64(opts.Concurrency)),
		clock:       clk,
		logger:      logger,
		failedLimit: defaultFailedLimit,
	}
}

// Queue exposes underlying priority queue.
func (d *Dispatcher) Queue() *notifyqueue.PriorityQueue {
	return d.queue
}

// SendAlertNotifications builds and enqueues one request per matching enabled channel.
// Params: context, alert (marked notified in place), owning rule, and notification kind.
// Returns: enqueued requests or channel lookup error.
func (d *Dispatcher) SendAlertNotifications(ctx context.Context, alert *domain.Alert, rule domain.AlertRule, kind string) ([]*domain.NotificationRequest, error) {
	if alert == nil {
		return nil, fmt.Errorf("%w: alert is required", domain.ErrValidation)
	}
	if len(rule.Channels) == 0 || d.channels == nil {
		return nil, nil
	}
	if kind == "" {
		kind = domain.KindAlert
	}
	channels, err := d.channels.EnabledChannels(ctx, rule.Channels...)
	if err != nil {
		return nil, fmt.Errorf("load channels for rule %q: %w", rule.ID, err)
	}

	now := d.clock.Now()
	priority := domain.PriorityForSeverity(alert.Severity)
	requests := make([]*domain.NotificationRequest, 0, len(channels))
	for _, channel := range channels {
		if !channel.Accepts(priority) {
			d.logger.Debug("channel filters out notification priority",
				"alert_id", alert.ID,
				"channel_id", channel.ID,
				"priority", string(priority),
			)
			continue
		}
		subject, body := "", ""
		if tmpl := d.lookupTemplate(ctx, channel.Type, alert.Severity); tmpl != nil {
			var renderErr error
			subject, body, renderErr = d.renderer.Render(tmpl, alert, kind, channel, now)
			if renderErr != nil {
				d.logger.Warn("template render failed, default content used",
					"alert_id", alert.ID,
					"channel_id", channel.ID,
					"template_id", tmpl.ID,
					"error", renderErr.Error(),
				)
			}
		}
		request, err := domain.NewNotificationRequest(alert, channel, kind, subject, body, priority, d.opts.MaxRetries, now)
		if err != nil {
			d.logger.Warn("notification request rejected",
				"alert_id", alert.ID,
				"channel_id", channel.ID,
				"error", err.Error(),
			)
			continue
		}
		d.queue.Enqueue(request)
		alert.MarkNotified(channel.Ref())
		requests = append(requests, request)
	}
	d.publishQueueDepth()
	if len(requests) > 0 {
		d.logger.Info("notifications queued",
			"alert_id", alert.ID,
			"rule_id", rule.ID,
			"notification_type", kind,
			"priority", string(priority),
			"count", len(requests),
		)
	}
	return requests, nil
}

// lookupTemplate resolves template by severity, then medium severity, then default name.
// Params: context, channel type, and alert severity.
// Returns: template or nil when default formatter should be used.
func (d *Dispatcher) lookupTemplate(ctx context.Context, channelType domain.ChannelType, severity domain.Severity) *domain.NotificationTemplate {
	if d.templates == nil {
		return nil
	}
	if tmpl, err := d.templates.AlertTemplate(ctx, channelType, severity); err == nil {
		return &tmpl
	}
	if severity != domain.SeverityMedium {
		if tmpl, err := d.templates.AlertTemplate(ctx, channelType, domain.SeverityMedium); err == nil {
			return &tmpl
		}
	}
	if tmpl, err := d.templates.GetTemplate(ctx, channelType, "default"); err == nil {
		return &tmpl
	}
	return nil
}

// SendImmediateNotification delivers request synchronously, bypassing queue.
// Params: context and request.
// Returns: delivery metadata or delivery error.
func (d *Dispatcher) SendImmediateNotification(ctx context.Context, request *domain.NotificationRequest) (notify.SendResult, error) {
	sendCtx, cancel := d.deliveryContext(ctx)
	defer cancel()
	result, err := d.sender.SendNotification(sendCtx, request)
	d.mu.Lock()
	switch {
	case err == nil:
		d.sent++
	case errors.Is(err, notify.ErrRateLimited):
		d.rateLimited++
	default:
		d.failedTotal++
	}
	d.mu.Unlock()
	return result, err
}

// Start launches background processing loop.
// Params: parent context; cancelling it stops loop too.
// Returns: none; repeated calls while running are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go d.loop(loopCtx, done)
	d.logger.Info("dispatcher started",
		"interval", d.opts.Interval.String(),
		"batch_size", d.opts.BatchSize,
		"concurrency", d.opts.Concurrency,
	)
}

// Stop cancels background loop and waits for it to exit.
// Params: none.
// Returns: none; safe to call when not running.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := d.opts.Interval
		if err := d.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher iteration failed", "error", err.Error(), "backoff", d.opts.ErrorBackoff.String())
			wait = d.opts.ErrorBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessOnce runs one loop iteration: retry pass, batch pass, expiry.
// Params: context for deliveries.
// Returns: loop-level error; per-request failures never surface here.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("dispatcher iteration panic: %v", recovered)
		}
	}()
	d.retryPass(ctx)
	if err := d.batchPass(ctx); err != nil {
		return err
	}
	d.expire(ctx)
	d.publishQueueDepth()
	return nil
}

// retryPass re-enqueues due retries and gives up on exhausted ones.
func (d *Dispatcher) retryPass(ctx context.Context) {
	now := d.clock.Now()
	var exhausted, due []*domain.NotificationRequest

	d.mu.Lock()
	waiting := d.pendingRetry[:0]
	for _, request := range d.pendingRetry {
		switch {
		case !request.CanRetry():
			exhausted = append(exhausted, request)
		case request.NextRetryAt != nil && now.Before(*request.NextRetryAt):
			waiting = append(waiting, request)
		default:
			request.MarkRetrying()
			due = append(due, request)
		}
	}
	for i := len(waiting); i < len(d.pendingRetry); i++ {
		d.pendingRetry[i] = nil
	}
	d.pendingRetry = waiting
	d.retried += int64(len(due))
	d.mu.Unlock()

	for _, request := range due {
		d.queue.Enqueue(request)
		telemetry.NotificationRetriesTotal.Inc()
	}
	for _, request := range exhausted {
		d.giveUp(ctx, request, notifyqueue.DLQReasonMaxRetriesExceeded)
	}
}

// batchPass dequeues up to batch size requests and delivers them behind concurrency gate.
func (d *Dispatcher) batchPass(ctx context.Context) error {
	batch := make([]*domain.NotificationRequest, 0, d.opts.BatchSize)
	for len(batch) < d.opts.BatchSize {
		request, ok := d.queue.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, request)
	}
	if len(batch) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for i, request := range batch {
		if err := d.gate.Acquire(ctx, 1); err != nil {
			// cancelled: undelivered requests go back to queue untouched
			for _, pending := range batch[i:] {
				d.queue.Enqueue(pending)
			}
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(request *domain.NotificationRequest) {
			defer wg.Done()
			defer d.gate.Release(1)
			d.process(ctx, request)
		}(request)
	}
	wg.Wait()
	return nil
}

// process delivers one request and routes outcome; panics are contained to this request.
func (d *Dispatcher) process(ctx context.Context, request *domain.NotificationRequest) {
	defer func() {
		if recovered := recover(); recovered != nil {
			request.MarkFailed(fmt.Sprintf("processing panic: %v", recovered), nil)
			d.logger.Error("notification processing panic",
				"request_id", request.ID,
				"alert_id", request.AlertID(),
				"panic", fmt.Sprint(recovered),
			)
			d.giveUp(ctx, request, notifyqueue.DLQReasonPermanentError)
		}
	}()

	sendCtx, cancel := d.deliveryContext(ctx)
	_, err := d.sender.SendNotification(sendCtx, request)
	cancel()

	switch {
	case err == nil:
		d.mu.Lock()
		d.sent++
		d.mu.Unlock()
	case errors.Is(err, notify.ErrRateLimited):
		d.mu.Lock()
		d.rateLimited++
		d.mu.Unlock()
		d.queue.Enqueue(request)
	case permanent.Is(err):
		d.giveUp(ctx, request, notifyqueue.DLQReasonPermanentError)
	default:
		nextRetry := d.clock.Now().Add(d.opts.retryDelay(request.RetryCount))
		request.MarkFailed(err.Error(), &nextRetry)
		d.mu.Lock()
		d.pendingRetry = append(d.pendingRetry, request)
		d.mu.Unlock()
		d.logger.Info("notification scheduled for retry",
			"request_id", request.ID,
			"channel_id", request.Channel.ID,
			"retry_count", request.RetryCount,
			"next_retry_at", nextRetry,
		)
	}
}

// expire drops queued requests older than max age.
func (d *Dispatcher) expire(ctx context.Context) {
	for _, request := range d.queue.ClearExpired(d.clock.Now(), d.opts.MaxQueueAge) {
		request.MarkFailed("expired in queue", nil)
		d.giveUp(ctx, request, notifyqueue.DLQReasonExpired)
	}
}

// giveUp moves request to permanently failed list and dead-letter sink.
func (d *Dispatcher) giveUp(ctx context.Context, request *domain.NotificationRequest, reason notifyqueue.DLQReason) {
	if request.Status != domain.DeliveryFailed {
		request.MarkFailed(request.LastError, nil)
	}
	request.NextRetryAt = nil

	d.mu.Lock()
	d.failed = append(d.failed, request)
	if overflow := len(d.failed) - d.failedLimit; overflow > 0 {
		d.failed = append([]*domain.NotificationRequest(nil), d.failed[overflow:]...)
	}
	d.failedTotal++
	d.mu.Unlock()

	telemetry.NotificationDeadLetteredTotal.WithLabelValues(string(request.Channel.Type)).Inc()
	d.logger.Warn("notification permanently failed",
		"request_id", request.ID,
		"alert_id", request.AlertID(),
		"channel_id", request.Channel.ID,
		"reason", string(reason),
		"retry_count", request.RetryCount,
		"error", request.LastError,
	)

	if d.deadLetter == nil {
		return
	}
	entry := notifyqueue.NewDLQEntry(request, reason, d.clock.Now())
	if err := d.deadLetter.Publish(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Error("dead-letter publish failed", "request_id", request.ID, "error", err.Error())
	}
}

// Failed returns copy of permanently failed requests, oldest first.
func (d *Dispatcher) Failed() []*domain.NotificationRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.NotificationRequest(nil), d.failed...)
}

// PendingRetry returns copy of requests waiting for retry backoff.
func (d *Dispatcher) PendingRetry() []*domain.NotificationRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.NotificationRequest(nil), d.pendingRetry...)
}

// Stats returns counters and queue sizes snapshot.
// Params: none.
// Returns: dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.runMu.Lock()
	running := d.cancel != nil
	d.runMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Sent:              d.sent,
		Failed:            d.failedTotal,
		Retried:           d.retried,
		RateLimited:       d.rateLimited,
		QueueSize:         d.queue.Size(),
		QueueByPriority:   d.queue.SizeByPriority(),
		PendingRetry:      len(d.pendingRetry),
		PermanentlyFailed: len(d.failed),
		Running:           running,
	}
}

func (d *Dispatcher) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.DeliveryTimeout > 0 {
		return context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) publishQueueDepth() {
	for priority, size := range d.queue.SizeByPriority() {
		telemetry.NotificationQueueDepth.WithLabelValues(string(priority)).Set(float64(size))
	}
}
