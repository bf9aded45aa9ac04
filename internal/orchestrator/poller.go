package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/metrics"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
)

// run is the single loop owning a job: create upstream, then poll at a fixed
// interval until a terminal state, cancellation or the poll budget runs out.
// budgetCtx is derived from ctx and expires with the poll budget.
func (o *Orchestrator) run(ctx, budgetCtx context.Context, handle string, kind domain.JobKind, budget time.Duration) {
	if !o.create(ctx, budgetCtx, handle, budget) {
		return
	}

	interval := o.cfg.StockPollInterval
	if kind == domain.KindAIGeneration {
		interval = o.cfg.AIPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-budgetCtx.Done():
			o.budgetExpired(ctx, handle, budget)
			return
		case <-ticker.C:
			select {
			case res := <-o.polls.DoChan(handle, func() (any, error) { return o.pollOnce(handle) }):
				if res.Err != nil {
					if budgetCtx.Err() != nil {
						o.budgetExpired(ctx, handle, budget)
					}
					return
				}
				if res.Val.(domain.OrderJob).State.IsTerminal() {
					return
				}
			case <-budgetCtx.Done():
				// The late poll result is discarded once the job is terminal.
				o.budgetExpired(ctx, handle, budget)
				return
			}
		}
	}
}

// budgetExpired fails the job with poll_timeout unless the loop itself was
// stopped by Cancel or Close.
func (o *Orchestrator) budgetExpired(ctx context.Context, handle string, budget time.Duration) {
	if ctx.Err() != nil {
		return
	}
	o.fail(ctx, handle, pollTimeout(handle, budget), 0)
}

// create places the order or generation upstream and moves the job through
// submitted to polling. It reports whether polling should start.
func (o *Orchestrator) create(ctx, budgetCtx context.Context, handle string, budget time.Duration) bool {
	job, err := o.reg.get(handle)
	if err != nil {
		return false
	}

	var (
		upstreamID string
		attempts   int
	)
	switch job.Kind {
	case domain.KindAIGeneration:
		var ref upstream.AIJobRef
		ref, err = o.client.CreateAIJob(budgetCtx, job.Prompt.Text, job.Prompt.Style, job.Prompt.Size)
		upstreamID, attempts = ref.JobHandle, ref.Attempts
	default:
		var ref upstream.OrderRef
		ref, err = o.client.CreateOrder(budgetCtx, job.Identifier.Site, job.Identifier.ID)
		upstreamID, attempts = ref.OrderHandle, ref.Attempts
	}

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if budgetCtx.Err() != nil {
			err = pollTimeout(handle, budget)
		}
		o.fail(ctx, handle, err, max(attempts, attemptsOf(err)))
		return false
	}

	if _, ok, _ := o.reg.update(handle, func(j *domain.OrderJob) bool {
		j.State = domain.StateSubmitted
		j.UpstreamID = upstreamID
		j.Attempts += attempts
		return true
	}); !ok {
		return false
	}
	o.logger.InfoContext(ctx, "job submitted upstream", "upstream_id", upstreamID, "attempts", attempts)

	_, ok, _ := o.reg.update(handle, func(j *domain.OrderJob) bool {
		j.State = domain.StatePolling
		return true
	})
	return ok
}

// pollOnce fetches the upstream status and applies it. Callers go through
// o.polls so at most one status call per handle is in flight.
func (o *Orchestrator) pollOnce(handle string) (domain.OrderJob, error) {
	ctx, job, seq, err := o.reg.beginPoll(handle)
	if err != nil {
		return job, err
	}

	var st upstream.JobStatus
	if job.Kind == domain.KindAIGeneration {
		st, err = o.client.GetAIJobStatus(ctx, job.UpstreamID)
	} else {
		st, err = o.client.GetOrderStatus(ctx, job.UpstreamID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		metrics.PollsTotal.WithLabelValues(string(job.Kind), "error").Inc()
		return o.applyPollError(ctx, handle, seq, err, max(st.Attempts, attemptsOf(err)))
	}
	metrics.PollsTotal.WithLabelValues(string(job.Kind), string(st.State)).Inc()

	switch st.State {
	case upstream.StatusReady:
		return o.applyReady(ctx, job, seq, st)

	case upstream.StatusFailed:
		msg := st.Message
		if msg == "" {
			msg = fmt.Sprintf("upstream status %q", st.Raw)
		}
		snap, err := o.reg.applyPoll(handle, seq, func(j *domain.OrderJob, _ *int) bool {
			o.stampPoll(j, st.Attempts)
			setFailed(j, domain.KindOrderFailed, msg)
			return true
		})
		o.logFinished(ctx, snap)
		return snap, err

	default:
		return o.reg.applyPoll(handle, seq, func(j *domain.OrderJob, failures *int) bool {
			o.stampPoll(j, st.Attempts)
			*failures = 0
			if sameProgress(j.Progress, st.Progress) {
				return false
			}
			j.Progress = st.Progress
			return true
		})
	}
}

func (o *Orchestrator) applyReady(ctx context.Context, job domain.OrderJob, seq uint64, st upstream.JobStatus) (domain.OrderJob, error) {
	result := st.Result
	attempts := st.Attempts

	if result == nil && job.Kind == domain.KindStockOrder {
		link, err := o.client.GetDownloadLink(ctx, job.UpstreamID)
		attempts += max(link.Attempts, attemptsOf(err))
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			return o.applyPollError(ctx, job.Handle, seq, err, attempts)
		}
		ref := link.DownloadRef
		result = &ref
	}
	if result == nil {
		err := &domain.Error{Kind: domain.KindMalformedResponse, Op: "poll", Handle: job.Handle, Message: "upstream reported ready without a result"}
		return o.applyPollError(ctx, job.Handle, seq, err, attempts)
	}

	snap, err := o.reg.applyPoll(job.Handle, seq, func(j *domain.OrderJob, failures *int) bool {
		o.stampPoll(j, attempts)
		*failures = 0
		full := 100
		j.State = domain.StateReady
		j.Progress = &full
		j.Result = result
		return true
	})
	o.logFinished(ctx, snap)
	return snap, err
}

// applyPollError fails the job unless err is an exhausted transient failure
// and the job still has poll failures to spare.
func (o *Orchestrator) applyPollError(ctx context.Context, handle string, seq uint64, err error, attempts int) (domain.OrderJob, error) {
	kind := domain.KindOf(err)
	snap, applyErr := o.reg.applyPoll(handle, seq, func(j *domain.OrderJob, failures *int) bool {
		o.stampPoll(j, attempts)
		*failures++
		if kind == domain.KindRetryExhausted && *failures < o.cfg.MaxPollFailures {
			o.logger.WarnContext(ctx, "status poll failed, will keep polling",
				"error", err,
				"consecutive_failures", *failures,
				"max_failures", o.cfg.MaxPollFailures,
			)
			return false
		}
		setFailed(j, failureKind(err), err.Error())
		return true
	})
	o.logFinished(ctx, snap)
	return snap, applyErr
}

func (o *Orchestrator) fail(ctx context.Context, handle string, err error, attempts int) {
	snap, ok, _ := o.reg.update(handle, func(j *domain.OrderJob) bool {
		j.Attempts += attempts
		setFailed(j, failureKind(err), err.Error())
		return true
	})
	if ok {
		o.logFinished(ctx, snap)
	}
}

func (o *Orchestrator) stampPoll(j *domain.OrderJob, attempts int) {
	now := o.now()
	j.LastPolledAt = &now
	j.Attempts += attempts
}

func (o *Orchestrator) logFinished(ctx context.Context, snap domain.OrderJob) {
	switch snap.State {
	case domain.StateReady:
		o.logger.InfoContext(ctx, "job ready", "attempts", snap.Attempts)
	case domain.StateFailed:
		o.logger.WarnContext(ctx, "job failed", "failure", snap.Failure, "message", snap.FailureMessage, "attempts", snap.Attempts)
	}
}

func setFailed(j *domain.OrderJob, kind domain.ErrorKind, msg string) {
	j.State = domain.StateFailed
	j.Failure = kind
	j.FailureMessage = msg
}

func failureKind(err error) domain.ErrorKind {
	if kind := domain.KindOf(err); kind != domain.KindNone {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTimeout
	}
	return domain.KindServerFailure
}

func attemptsOf(err error) int {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return 0
}

func pollTimeout(handle string, budget time.Duration) error {
	return &domain.Error{
		Kind:    domain.KindPollTimeout,
		Op:      "poll",
		Handle:  handle,
		Message: fmt.Sprintf("no terminal status within %s", budget),
	}
}

func sameProgress(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
