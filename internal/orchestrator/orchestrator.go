// Package orchestrator drives orders and AI generations from submission to a
// download link, one poll loop per job, and lets callers observe progress.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/ErlanBelekov/stockorder/internal/parser"
	"github.com/ErlanBelekov/stockorder/internal/trace"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed   = errors.New("orchestrator closed")
	errTerminal = errors.New("job is terminal")
)

// Upstream is the subset of the upstream API the orchestrator drives.
type Upstream interface {
	CreateOrder(ctx context.Context, site domain.SiteKey, stockID string) (upstream.OrderRef, error)
	GetOrderStatus(ctx context.Context, orderHandle string) (upstream.JobStatus, error)
	GetDownloadLink(ctx context.Context, orderHandle string) (upstream.DownloadLink, error)
	CreateAIJob(ctx context.Context, prompt, style, size string) (upstream.AIJobRef, error)
	GetAIJobStatus(ctx context.Context, jobHandle string) (upstream.JobStatus, error)
}

// Observer is told about every published snapshot. Observe runs under the
// registry lock and must not block or call back into the orchestrator.
type Observer interface {
	Observe(job domain.OrderJob)
}

type ObserverFunc func(job domain.OrderJob)

func (f ObserverFunc) Observe(job domain.OrderJob) { f(job) }

type Config struct {
	StockPollInterval time.Duration
	AIPollInterval    time.Duration
	// PollBudget bounds how long a job may stay non-terminal. Zero means unbounded.
	PollBudget time.Duration
	// Retention is how long terminal jobs stay queryable before Sweep evicts them.
	Retention time.Duration
	// MaxPollFailures is how many consecutive exhausted status calls a job tolerates.
	MaxPollFailures  int
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		StockPollInterval: 2 * time.Second,
		AIPollInterval:    5 * time.Second,
		PollBudget:        15 * time.Minute,
		Retention:         30 * time.Minute,
		MaxPollFailures:   3,
		SubscriberBuffer:  16,
	}
}

type SubmitOptions struct {
	Owner string
	// PollBudget overrides Config.PollBudget when non-zero; negative means unbounded.
	PollBudget time.Duration
}

type Orchestrator struct {
	client Upstream
	sites  parser.SiteLookup
	cfg    Config
	reg    *registry
	polls  singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
}

// New returns an Orchestrator. sites may be nil, in which case every site is
// treated as active. Zero Config fields take their DefaultConfig value.
func New(client Upstream, sites parser.SiteLookup, cfg Config, logger *slog.Logger, observers ...Observer) *Orchestrator {
	def := DefaultConfig()
	if cfg.StockPollInterval <= 0 {
		cfg.StockPollInterval = def.StockPollInterval
	}
	if cfg.AIPollInterval <= 0 {
		cfg.AIPollInterval = def.AIPollInterval
	}
	if cfg.PollBudget < 0 {
		cfg.PollBudget = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = def.MaxPollFailures
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:  client,
		sites:   sites,
		cfg:     cfg,
		baseCtx: ctx,
		stop:    stop,
		logger:  logger.With("component", "orchestrator"),
		now:     time.Now,
	}
	observers = append([]Observer{ObserverFunc(recordMetrics)}, observers...)
	o.reg = newRegistry(cfg.SubscriberBuffer, o.clock, observers)
	return o
}

func (o *Orchestrator) clock() time.Time { return o.now() }

// Submit starts ordering a parsed identifier and returns its handle without
// waiting for the upstream. Invalid identifiers, inactive sites and live
// duplicates are rejected synchronously and never reach the network.
func (o *Orchestrator) Submit(ctx context.Context, id domain.ParsedIdentifier, opts SubmitOptions) (string, error) {
	if !id.Valid {
		metrics.JobsRejectedTotal.WithLabelValues(string(domain.KindOf(id.Err()))).Inc()
		return "", id.Err()
	}
	if err := o.checkSite(id.Site); err != nil {
		metrics.JobsRejectedTotal.WithLabelValues(string(domain.KindSiteInactive)).Inc()
		return "", err
	}

	ident := id
	now := o.now()
	job := domain.OrderJob{
		Handle:     uuid.NewString(),
		Kind:       domain.KindStockOrder,
		State:      domain.StateCreated,
		Identifier: &ident,
		Owner:      opts.Owner,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return o.start(ctx, job, id.Key(), opts)
}

// SubmitAIPrompt starts an AI generation. The prompt is normalized first;
// an identical live prompt is reported as a duplicate.
func (o *Orchestrator) SubmitAIPrompt(ctx context.Context, prompt domain.Prompt, opts SubmitOptions) (string, error) {
	p, err := prompt.Normalize()
	if err != nil {
		metrics.JobsRejectedTotal.WithLabelValues(string(domain.KindInvalidPrompt)).Inc()
		return "", err
	}

	now := o.now()
	job := domain.OrderJob{
		Handle:    uuid.NewString(),
		Kind:      domain.KindAIGeneration,
		State:     domain.StateCreated,
		Prompt:    &p,
		Owner:     opts.Owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return o.start(ctx, job, p.Key(), opts)
}

func (o *Orchestrator) checkSite(site domain.SiteKey) error {
	if o.sites == nil {
		return nil
	}
	c, ok := o.sites.Lookup(site)
	if !ok || !c.Active {
		return &domain.Error{Kind: domain.KindSiteInactive, Op: "submit", Message: string(site)}
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context, job domain.OrderJob, key string, opts SubmitOptions) (string, error) {
	if o.baseCtx.Err() != nil {
		return "", ErrClosed
	}

	budget := o.cfg.PollBudget
	switch {
	case opts.PollBudget < 0:
		budget = 0
	case opts.PollBudget > 0:
		budget = opts.PollBudget
	}

	loopCtx, cancel := context.WithCancel(o.baseCtx)
	loopCtx = trace.WithJobHandle(loopCtx, job.Handle)
	if id := trace.RequestID(ctx); id != "" {
		loopCtx = trace.WithRequestID(loopCtx, id)
	}

	// Every upstream call of the job runs under the poll budget, so an
	// in-flight status call cannot outlive it.
	budgetCtx, stopBudget := loopCtx, context.CancelFunc(func() {})
	if budget > 0 {
		budgetCtx, stopBudget = context.WithTimeout(loopCtx, budget)
	}

	if err := o.reg.add(budgetCtx, cancel, job, key); err != nil {
		stopBudget()
		cancel()
		if kind := domain.KindOf(err); kind != domain.KindNone {
			metrics.JobsRejectedTotal.WithLabelValues(string(kind)).Inc()
		}
		return "", err
	}

	o.logger.InfoContext(loopCtx, "job submitted", "kind", job.Kind, "key", key)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer stopBudget()
		o.run(loopCtx, budgetCtx, job.Handle, job.Kind, budget)
	}()
	return job.Handle, nil
}

// GetJob returns a snapshot of the job.
func (o *Orchestrator) GetJob(handle string) (domain.OrderJob, error) {
	return o.reg.get(handle)
}

// List returns snapshots of every retained job, oldest first.
func (o *Orchestrator) List() []domain.OrderJob {
	return o.reg.list()
}

// Cancel stops a live job and marks it cancelled. Results still in flight are
// discarded. Cancelling a terminal job does nothing.
func (o *Orchestrator) Cancel(handle string) error {
	snap, err := o.reg.cancel(handle)
	if err != nil {
		return err
	}
	if snap.State == domain.StateCancelled {
		o.logger.Info("job cancelled", "job_handle", handle)
	}
	return nil
}

// Subscribe streams snapshots of the job: the current one first, then each
// published change in order. The channel is closed after the terminal
// snapshot. A slow reader may miss intermediate snapshots but never the
// terminal one. unsubscribe is safe to call more than once.
func (o *Orchestrator) Subscribe(handle string) (<-chan domain.OrderJob, func(), error) {
	return o.reg.subscribe(handle)
}

// Refresh polls the upstream now instead of waiting for the next tick.
// Concurrent refreshes and the loop's own poll are collapsed into one call.
func (o *Orchestrator) Refresh(ctx context.Context, handle string) (domain.OrderJob, error) {
	snap, err := o.reg.get(handle)
	if err != nil {
		return domain.OrderJob{}, err
	}
	if snap.State != domain.StatePolling {
		return snap, nil
	}

	select {
	case res := <-o.polls.DoChan(handle, func() (any, error) { return o.pollOnce(handle) }):
		if res.Err != nil && !errors.Is(res.Err, errTerminal) {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				// loop stopped or budget ran out mid-poll; report the state it left behind
				return o.reg.get(handle)
			}
			return domain.OrderJob{}, res.Err
		}
		return res.Val.(domain.OrderJob), nil
	case <-ctx.Done():
		return domain.OrderJob{}, ctx.Err()
	}
}

// GetDownloadLink returns the download reference of a ready job. Stock
// orders fetch a fresh link because upstream links expire; when that fetch
// fails transiently the recorded link is returned instead.
func (o *Orchestrator) GetDownloadLink(ctx context.Context, handle string) (domain.DownloadRef, error) {
	snap, err := o.reg.get(handle)
	if err != nil {
		return domain.DownloadRef{}, err
	}
	if snap.State != domain.StateReady {
		return domain.DownloadRef{}, notReady(handle, snap.State)
	}
	if snap.Kind == domain.KindAIGeneration {
		return *snap.Result, nil
	}

	link, err := o.client.GetDownloadLink(ctx, snap.UpstreamID)
	if err != nil {
		var e *domain.Error
		if snap.Result != nil && ctx.Err() == nil && errors.As(err, &e) && e.Cause().Retryable() {
			o.logger.WarnContext(ctx, "download link refresh failed, returning recorded link",
				"job_handle", handle,
				"error", err,
			)
			return *snap.Result, nil
		}
		return domain.DownloadRef{}, err
	}
	updated, err := o.reg.setResult(handle, link.DownloadRef, link.Attempts)
	if err != nil {
		return domain.DownloadRef{}, err
	}
	return *updated.Result, nil
}

// Sweep evicts terminal jobs older than the retention period.
func (o *Orchestrator) Sweep(now time.Time) int {
	evicted := o.reg.sweep(now, o.cfg.Retention)
	if len(evicted) > 0 {
		metrics.SweeperEvictedTotal.Add(float64(len(evicted)))
		o.logger.Debug("evicted terminal jobs", "count", len(evicted))
	}
	return len(evicted)
}

// Close stops every poll loop and closes open subscriptions. Jobs that were
// still in progress keep their last state.
func (o *Orchestrator) Close() {
	o.stop()
	o.reg.close()
	o.wg.Wait()
}

func recordMetrics(job domain.OrderJob) {
	switch {
	case job.State == domain.StateCreated:
		metrics.JobsSubmittedTotal.WithLabelValues(string(job.Kind)).Inc()
		metrics.JobsInFlight.Inc()
	case job.State.IsTerminal():
		metrics.JobsInFlight.Dec()
		metrics.JobsFinishedTotal.WithLabelValues(string(job.Kind), string(job.State), string(job.Failure)).Inc()
		metrics.JobDuration.WithLabelValues(string(job.Kind), string(job.State)).Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())
	}
}
