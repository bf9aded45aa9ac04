package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
	"github.com/ErlanBelekov/stockorder/internal/orchestrator"
	"github.com/ErlanBelekov/stockorder/internal/parser"
	"github.com/ErlanBelekov/stockorder/internal/upstream"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeUpstream struct {
	createOrderFn  func(ctx context.Context, site domain.SiteKey, id string) (upstream.OrderRef, error)
	orderStatusFn  func(ctx context.Context, n int32) (upstream.JobStatus, error)
	downloadLinkFn func(ctx context.Context, h string) (upstream.DownloadLink, error)
	createAIFn     func(ctx context.Context, prompt, style, size string) (upstream.AIJobRef, error)
	aiStatusFn     func(ctx context.Context, n int32) (upstream.JobStatus, error)

	creates   atomic.Int32
	polls     atomic.Int32
	downloads atomic.Int32
}

func (f *fakeUpstream) CreateOrder(ctx context.Context, site domain.SiteKey, id string) (upstream.OrderRef, error) {
	f.creates.Add(1)
	if f.createOrderFn != nil {
		return f.createOrderFn(ctx, site, id)
	}
	return upstream.OrderRef{Call: upstream.Call{Attempts: 1}, OrderHandle: "order-" + id}, nil
}

func (f *fakeUpstream) GetOrderStatus(ctx context.Context, _ string) (upstream.JobStatus, error) {
	n := f.polls.Add(1)
	if f.orderStatusFn != nil {
		return f.orderStatusFn(ctx, n)
	}
	return pending(nil), nil
}

func (f *fakeUpstream) GetDownloadLink(ctx context.Context, h string) (upstream.DownloadLink, error) {
	n := f.downloads.Add(1)
	if f.downloadLinkFn != nil {
		return f.downloadLinkFn(ctx, h)
	}
	return upstream.DownloadLink{
		Call:        upstream.Call{Attempts: 1},
		DownloadRef: domain.DownloadRef{URL: "https://cdn.test/" + h + "?v=" + string(rune('0'+n))},
	}, nil
}

func (f *fakeUpstream) CreateAIJob(ctx context.Context, prompt, style, size string) (upstream.AIJobRef, error) {
	f.creates.Add(1)
	if f.createAIFn != nil {
		return f.createAIFn(ctx, prompt, style, size)
	}
	return upstream.AIJobRef{Call: upstream.Call{Attempts: 1}, JobHandle: "ai-1"}, nil
}

func (f *fakeUpstream) GetAIJobStatus(ctx context.Context, _ string) (upstream.JobStatus, error) {
	n := f.polls.Add(1)
	if f.aiStatusFn != nil {
		return f.aiStatusFn(ctx, n)
	}
	return pending(nil), nil
}

func pending(progress *int) upstream.JobStatus {
	return upstream.JobStatus{Call: upstream.Call{Attempts: 1}, State: upstream.StatusPending, Raw: "pending", Progress: progress}
}

func ready(url string) upstream.JobStatus {
	st := upstream.JobStatus{Call: upstream.Call{Attempts: 1}, State: upstream.StatusReady, Raw: "ready"}
	if url != "" {
		st.Result = &domain.DownloadRef{URL: url, FileName: "file.jpg"}
	}
	return st
}

func intp(v int) *int { return &v }

func newOrchestrator(t *testing.T, up *fakeUpstream, mutate ...func(*orchestrator.Config)) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.Config{
		StockPollInterval: 5 * time.Millisecond,
		AIPollInterval:    5 * time.Millisecond,
		Retention:         time.Hour,
		MaxPollFailures:   3,
		SubscriberBuffer:  64,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	o := orchestrator.New(up, nil, cfg, discard)
	t.Cleanup(o.Close)
	return o
}

func submit(t *testing.T, o *orchestrator.Orchestrator, raw string) string {
	t.Helper()
	handle, err := o.Submit(context.Background(), parser.Parse(raw), orchestrator.SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit(%q): %v", raw, err)
	}
	return handle
}

// drain reads ch until it is closed.
func drain(t *testing.T, ch <-chan domain.OrderJob) []domain.OrderJob {
	t.Helper()
	var out []domain.OrderJob
	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, snap)
		case <-timeout:
			t.Fatalf("subscription not closed; got %d snapshots", len(out))
		}
	}
}

func waitFor(t *testing.T, o *orchestrator.Orchestrator, handle string, cond func(domain.OrderJob) bool) domain.OrderJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.GetJob(handle)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap, _ := o.GetJob(handle)
	t.Fatalf("condition not met; last snapshot %+v", snap)
	return domain.OrderJob{}
}

func inState(s domain.JobState) func(domain.OrderJob) bool {
	return func(j domain.OrderJob) bool { return j.State == s }
}

func terminal(j domain.OrderJob) bool { return j.State.IsTerminal() }

func TestSubmit_InvalidIdentifierNeverReachesUpstream(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up)

	_, err := o.Submit(context.Background(), parser.Parse("unknownsite:999"), orchestrator.SubmitOptions{})
	if !errors.Is(err, domain.ErrUnsupportedSite) {
		t.Fatalf("err = %v, want unsupported_site", err)
	}
	if domain.KindOf(err).Family() != domain.FamilyParse {
		t.Errorf("family = %q, want parse", domain.KindOf(err).Family())
	}
	if got := up.creates.Load(); got != 0 {
		t.Errorf("CreateOrder called %d times", got)
	}
	if len(o.List()) != 0 {
		t.Error("rejected submission created a job")
	}
}

func TestSubmit_InactiveSiteRejected(t *testing.T) {
	up := &fakeUpstream{}
	sites := fakeSites{
		domain.SiteShutterstock: {Site: domain.SiteShutterstock, Active: true},
		domain.SiteAdobeStock:   {Site: domain.SiteAdobeStock, Active: false},
	}
	o := orchestrator.New(up, sites, orchestrator.Config{StockPollInterval: time.Hour}, discard)
	t.Cleanup(o.Close)

	for _, raw := range []string{"adobestock:1", "freepik:2"} {
		if _, err := o.Submit(context.Background(), parser.Parse(raw), orchestrator.SubmitOptions{}); !errors.Is(err, domain.ErrSiteInactive) {
			t.Errorf("Submit(%q) err = %v, want site_inactive", raw, err)
		}
	}
	if _, err := o.Submit(context.Background(), parser.Parse("shutterstock:3"), orchestrator.SubmitOptions{}); err != nil {
		t.Errorf("active site rejected: %v", err)
	}
}

type fakeSites map[domain.SiteKey]domain.SiteConfig

func (f fakeSites) Lookup(site domain.SiteKey) (domain.SiteConfig, bool) {
	c, ok := f[site]
	return c, ok
}

func TestOrder_PendingThenReady(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n <= 3 {
				return pending(nil), nil
			}
			return ready("https://cdn.test/x.jpg"), nil
		},
	}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "https://www.shutterstock.com/image-photo/sample-123456")
	ch, unsubscribe, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	snaps := drain(t, ch)

	readyCount := 0
	for _, s := range snaps {
		if s.State == domain.StateReady {
			readyCount++
		}
	}
	if readyCount != 1 {
		t.Fatalf("ready notifications = %d, want 1", readyCount)
	}

	final := snaps[len(snaps)-1]
	if final.State != domain.StateReady {
		t.Fatalf("final state = %q", final.State)
	}
	if final.Result == nil || final.Result.URL != "https://cdn.test/x.jpg" {
		t.Errorf("Result = %+v", final.Result)
	}
	if final.UpstreamID != "order-123456" {
		t.Errorf("UpstreamID = %q", final.UpstreamID)
	}
	if got := up.polls.Load(); got != 4 {
		t.Errorf("status polls = %d, want 4", got)
	}
	// one attempt for create plus one per poll
	if final.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", final.Attempts)
	}
	if final.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if up.downloads.Load() != 0 {
		t.Error("download link fetched although status carried one")
	}
}

func TestOrder_StateAndAttemptsMonotone(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n < 5 {
				return pending(intp(int(n) * 20)), nil
			}
			return ready(""), nil
		},
	}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "adobestock:42")
	ch, unsubscribe, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	rank := map[domain.JobState]int{
		domain.StateCreated:   0,
		domain.StateSubmitted: 1,
		domain.StatePolling:   2,
		domain.StateReady:     3,
	}
	prevRank, prevAttempts := -1, -1
	snaps := drain(t, ch)
	for _, s := range snaps {
		r, ok := rank[s.State]
		if !ok {
			t.Fatalf("unexpected state %q", s.State)
		}
		if r < prevRank {
			t.Fatalf("state went backwards to %q", s.State)
		}
		if s.Attempts < prevAttempts {
			t.Fatalf("attempts decreased %d -> %d", prevAttempts, s.Attempts)
		}
		prevRank, prevAttempts = r, s.Attempts
	}

	final := snaps[len(snaps)-1]
	if final.Result == nil || up.downloads.Load() != 1 {
		t.Fatalf("expected follow-up download link fetch, result %+v", final.Result)
	}
	if final.Progress == nil || *final.Progress != 100 {
		t.Errorf("Progress = %v, want 100", final.Progress)
	}
}

func TestOrder_CreateFailureFailsJob(t *testing.T) {
	up := &fakeUpstream{
		createOrderFn: func(context.Context, domain.SiteKey, string) (upstream.OrderRef, error) {
			return upstream.OrderRef{}, &domain.Error{Kind: domain.KindAuth, Op: "create_order", StatusCode: 401, Attempts: 1}
		},
	}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "istock:777")
	final := waitFor(t, o, handle, terminal)

	if final.State != domain.StateFailed || final.Failure != domain.KindAuth {
		t.Fatalf("final = %s/%s, want failed/auth", final.State, final.Failure)
	}
	if final.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", final.Attempts)
	}
	if up.polls.Load() != 0 {
		t.Error("polled a job that was never created upstream")
	}
}

func TestOrder_UpstreamReportsFailure(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) {
			return upstream.JobStatus{State: upstream.StatusFailed, Raw: "error", Message: "asset withdrawn"}, nil
		},
	}
	o := newOrchestrator(t, up)

	final := waitFor(t, o, submit(t, o, "alamy:1"), terminal)
	if final.State != domain.StateFailed || final.Failure != domain.KindOrderFailed {
		t.Fatalf("final = %s/%s, want failed/order_failed", final.State, final.Failure)
	}
	if final.FailureMessage != "asset withdrawn" {
		t.Errorf("FailureMessage = %q", final.FailureMessage)
	}
}

func TestPoll_ExhaustedFailuresTolerated(t *testing.T) {
	exhausted := &domain.Error{Kind: domain.KindRetryExhausted, Attempts: 3, Err: domain.ErrServerFailure}
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n <= 2 {
				return upstream.JobStatus{}, exhausted
			}
			return ready("https://cdn.test/y.jpg"), nil
		},
	}
	o := newOrchestrator(t, up)

	final := waitFor(t, o, submit(t, o, "pond5:9"), terminal)
	if final.State != domain.StateReady {
		t.Fatalf("final = %s/%s, want ready", final.State, final.Failure)
	}
	// create 1 + two exhausted polls of 3 attempts + final poll 1
	if final.Attempts != 8 {
		t.Errorf("Attempts = %d, want 8", final.Attempts)
	}
}

func TestPoll_TooManyExhaustedFailures(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) {
			return upstream.JobStatus{}, &domain.Error{Kind: domain.KindRetryExhausted, Attempts: 3, Err: domain.ErrTimeout}
		},
	}
	o := newOrchestrator(t, up)

	final := waitFor(t, o, submit(t, o, "pond5:10"), terminal)
	if final.State != domain.StateFailed || final.Failure != domain.KindRetryExhausted {
		t.Fatalf("final = %s/%s, want failed/retry_exhausted", final.State, final.Failure)
	}
	if got := up.polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestPoll_NonRetryableFailsImmediately(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) {
			return upstream.JobStatus{}, &domain.Error{Kind: domain.KindAuth, StatusCode: 403, Attempts: 1}
		},
	}
	o := newOrchestrator(t, up)

	final := waitFor(t, o, submit(t, o, "dreamstime:5"), terminal)
	if final.Failure != domain.KindAuth {
		t.Fatalf("Failure = %q, want auth", final.Failure)
	}
	if got := up.polls.Load(); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
}

func TestPoll_DownloadLinkFailureFailsJob(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) {
			return ready(""), nil
		},
		downloadLinkFn: func(context.Context, string) (upstream.DownloadLink, error) {
			return upstream.DownloadLink{}, &domain.Error{Kind: domain.KindMalformedResponse, Attempts: 1}
		},
	}
	o := newOrchestrator(t, up)

	final := waitFor(t, o, submit(t, o, "vecteezy:5"), terminal)
	if final.State != domain.StateFailed || final.Failure != domain.KindMalformedResponse {
		t.Fatalf("final = %s/%s", final.State, final.Failure)
	}
}

func TestPollBudgetExceeded(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up)

	handle, err := o.Submit(context.Background(), parser.Parse("rawpixel:1"), orchestrator.SubmitOptions{PollBudget: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitFor(t, o, handle, terminal)
	if final.State != domain.StateFailed || final.Failure != domain.KindPollTimeout {
		t.Fatalf("final = %s/%s, want failed/poll_timeout", final.State, final.Failure)
	}
}

func TestPollBudgetExceeded_WhileStatusCallInFlight(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, _ int32) (upstream.JobStatus, error) {
			// Ignores ctx on purpose: the answer arrives long after the budget.
			<-release
			return ready("https://cdn.test/late.jpg"), nil
		},
	}
	o := newOrchestrator(t, up)

	handle, err := o.Submit(context.Background(), parser.Parse("rawpixel:2"), orchestrator.SubmitOptions{PollBudget: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitFor(t, o, handle, terminal)
	if final.State != domain.StateFailed || final.Failure != domain.KindPollTimeout {
		t.Fatalf("final = %s/%s, want failed/poll_timeout", final.State, final.Failure)
	}
	if up.polls.Load() != 1 {
		t.Fatalf("polls = %d, want the single in-flight call", up.polls.Load())
	}

	// The slow call now answers "ready"; the terminal state must not change.
	release <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	snap, err := o.GetJob(handle)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if snap.State != domain.StateFailed || snap.Result != nil {
		t.Errorf("late result applied: state=%s result=%v", snap.State, snap.Result)
	}
}

func TestPollBudget_CancelsInFlightStatusCall(t *testing.T) {
	callCtxDone := make(chan error, 1)
	up := &fakeUpstream{
		orderStatusFn: func(ctx context.Context, _ int32) (upstream.JobStatus, error) {
			<-ctx.Done()
			callCtxDone <- ctx.Err()
			return upstream.JobStatus{}, ctx.Err()
		},
	}
	o := newOrchestrator(t, up)

	handle, err := o.Submit(context.Background(), parser.Parse("rawpixel:3"), orchestrator.SubmitOptions{PollBudget: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-callCtxDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("status call ctx err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status call context was not cancelled by the poll budget")
	}

	final := waitFor(t, o, handle, terminal)
	if final.Failure != domain.KindPollTimeout {
		t.Errorf("failure = %q, want poll_timeout", final.Failure)
	}
}

func TestCancel(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "envato:abc")
	waitFor(t, o, handle, inState(domain.StatePolling))

	if err := o.Cancel(handle); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap, err := o.GetJob(handle)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if snap.State != domain.StateCancelled {
		t.Fatalf("state = %q, want cancelled", snap.State)
	}

	polls := up.polls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := up.polls.Load(); got > polls+1 {
		t.Errorf("loop kept polling after cancel: %d -> %d", polls, got)
	}
	if snap, _ := o.GetJob(handle); snap.State != domain.StateCancelled {
		t.Errorf("late poll result overwrote cancellation: %q", snap.State)
	}

	if err := o.Cancel(handle); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if err := o.Cancel("nope"); !errors.Is(err, domain.ErrUnknownHandle) {
		t.Errorf("Cancel(unknown) = %v, want unknown_handle", err)
	}
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) { return ready("https://cdn.test/z"), nil },
	}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "depositphotos:1")
	waitFor(t, o, handle, terminal)

	if err := o.Cancel(handle); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap, _ := o.GetJob(handle); snap.State != domain.StateReady {
		t.Fatalf("state = %q, want ready", snap.State)
	}
}

func TestDuplicateSubmission(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up)

	first := submit(t, o, "shutterstock:555")

	_, err := o.Submit(context.Background(), parser.Parse("https://www.shutterstock.com/image-photo/x-555"), orchestrator.SubmitOptions{})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.KindDuplicateSubmission {
		t.Fatalf("err = %v, want duplicate_submission", err)
	}
	if derr.Handle != first {
		t.Errorf("duplicate points at %q, want %q", derr.Handle, first)
	}

	if err := o.Cancel(first); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := o.Submit(context.Background(), parser.Parse("shutterstock:555"), orchestrator.SubmitOptions{}); err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
}

func TestDuplicateSubmission_Concurrent(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up, func(c *orchestrator.Config) { c.StockPollInterval = time.Hour })

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Submit(context.Background(), parser.Parse("freepik:1"), orchestrator.SubmitOptions{}); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Fatalf("accepted = %d, want 1", got)
	}
}

func TestGetJob_Unknown(t *testing.T) {
	o := newOrchestrator(t, &fakeUpstream{})
	if _, err := o.GetJob("missing"); !errors.Is(err, domain.ErrUnknownHandle) {
		t.Fatalf("err = %v, want unknown_handle", err)
	}
	if _, _, err := o.Subscribe("missing"); !errors.Is(err, domain.ErrUnknownHandle) {
		t.Fatalf("Subscribe err = %v, want unknown_handle", err)
	}
}

func TestGetJob_ReturnsCopy(t *testing.T) {
	o := newOrchestrator(t, &fakeUpstream{}, func(c *orchestrator.Config) { c.StockPollInterval = time.Hour })
	handle := submit(t, o, "123rf:12")

	snap, _ := o.GetJob(handle)
	snap.State = domain.StateReady
	snap.Identifier.ID = "tampered"

	again, _ := o.GetJob(handle)
	if again.State == domain.StateReady || again.Identifier.ID != "12" {
		t.Fatalf("registry state mutated through snapshot: %+v", again)
	}
}

func TestGetDownloadLink(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n < 3 {
				return pending(nil), nil
			}
			return ready("https://cdn.test/first"), nil
		},
	}
	o := newOrchestrator(t, up, func(c *orchestrator.Config) { c.StockPollInterval = 20 * time.Millisecond })

	handle := submit(t, o, "gettyimages:88")
	if _, err := o.GetDownloadLink(context.Background(), handle); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("err = %v, want not_ready", err)
	}

	before := waitFor(t, o, handle, terminal)
	ref, err := o.GetDownloadLink(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetDownloadLink: %v", err)
	}
	if ref.URL == "https://cdn.test/first" {
		t.Error("expected a freshly fetched link")
	}
	after, _ := o.GetJob(handle)
	if after.Result == nil || after.Result.URL != ref.URL {
		t.Errorf("Result not updated: %+v", after.Result)
	}
	if after.Attempts != before.Attempts+1 {
		t.Errorf("Attempts = %d, want %d", after.Attempts, before.Attempts+1)
	}
}

func TestGetDownloadLink_RefreshFailure(t *testing.T) {
	var failWith atomic.Value
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) {
			return ready("https://cdn.test/recorded"), nil
		},
		downloadLinkFn: func(context.Context, string) (upstream.DownloadLink, error) {
			return upstream.DownloadLink{}, failWith.Load().(error)
		},
	}
	o := newOrchestrator(t, up)

	handle := submit(t, o, "alamy:7")
	waitFor(t, o, handle, terminal)

	tests := []struct {
		name    string
		err     error
		wantURL string
		wantErr domain.ErrorKind
	}{
		{
			name: "transient failure returns recorded link",
			err: &domain.Error{Kind: domain.KindRetryExhausted, Attempts: 3,
				Err: &domain.Error{Kind: domain.KindServerFailure, StatusCode: 503}},
			wantURL: "https://cdn.test/recorded",
		},
		{
			name:    "permanent failure is reported",
			err:     &domain.Error{Kind: domain.KindAuth, StatusCode: 401},
			wantErr: domain.KindAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failWith.Store(tt.err)
			ref, err := o.GetDownloadLink(context.Background(), handle)
			if tt.wantErr != domain.KindNone {
				if domain.KindOf(err) != tt.wantErr {
					t.Fatalf("err = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetDownloadLink: %v", err)
			}
			if ref.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", ref.URL, tt.wantURL)
			}
		})
	}
}

func TestAIPrompt_Flow(t *testing.T) {
	up := &fakeUpstream{
		aiStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n == 1 {
				return pending(intp(50)), nil
			}
			return ready("https://cdn.test/gen.png"), nil
		},
	}
	o := newOrchestrator(t, up)

	handle, err := o.SubmitAIPrompt(context.Background(), domain.Prompt{Text: "  a lighthouse at dusk "}, orchestrator.SubmitOptions{Owner: "u-1"})
	if err != nil {
		t.Fatalf("SubmitAIPrompt: %v", err)
	}

	final := waitFor(t, o, handle, terminal)
	if final.State != domain.StateReady || final.Kind != domain.KindAIGeneration {
		t.Fatalf("final = %+v", final)
	}
	if final.Prompt == nil || final.Prompt.Text != "a lighthouse at dusk" || final.Prompt.Style == "" {
		t.Errorf("Prompt = %+v, want normalized", final.Prompt)
	}
	if final.Owner != "u-1" {
		t.Errorf("Owner = %q", final.Owner)
	}

	ref, err := o.GetDownloadLink(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetDownloadLink: %v", err)
	}
	if ref.URL != "https://cdn.test/gen.png" {
		t.Errorf("URL = %q", ref.URL)
	}
	if up.downloads.Load() != 0 {
		t.Error("AI results must not hit the order download endpoint")
	}
}

func TestAIPrompt_Rejections(t *testing.T) {
	up := &fakeUpstream{}
	o := newOrchestrator(t, up, func(c *orchestrator.Config) { c.AIPollInterval = time.Hour })

	if _, err := o.SubmitAIPrompt(context.Background(), domain.Prompt{Text: "   "}, orchestrator.SubmitOptions{}); !errors.Is(err, domain.ErrInvalidPrompt) {
		t.Fatalf("empty prompt err = %v", err)
	}

	if _, err := o.SubmitAIPrompt(context.Background(), domain.Prompt{Text: "cat"}, orchestrator.SubmitOptions{}); err != nil {
		t.Fatalf("SubmitAIPrompt: %v", err)
	}
	if _, err := o.SubmitAIPrompt(context.Background(), domain.Prompt{Text: "CAT "}, orchestrator.SubmitOptions{}); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("duplicate prompt err = %v", err)
	}
}

func TestRefresh_CollapsesConcurrentPolls(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	up := &fakeUpstream{
		orderStatusFn: func(ctx context.Context, _ int32) (upstream.JobStatus, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return upstream.JobStatus{}, ctx.Err()
			}
			return pending(intp(30)), nil
		},
	}
	o := newOrchestrator(t, up, func(c *orchestrator.Config) { c.StockPollInterval = time.Hour })

	handle := submit(t, o, "shutterstock:1")
	waitFor(t, o, handle, inState(domain.StatePolling))

	var wg sync.WaitGroup
	results := make(chan domain.OrderJob, 5)
	refresh := func() {
		defer wg.Done()
		snap, err := o.Refresh(context.Background(), handle)
		if err != nil {
			t.Errorf("Refresh: %v", err)
			return
		}
		results <- snap
	}

	wg.Add(1)
	go refresh()
	<-started
	for range 4 {
		wg.Add(1)
		go refresh()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	if got := up.polls.Load(); got != 1 {
		t.Fatalf("status calls = %d, want 1", got)
	}
	for snap := range results {
		if snap.Progress == nil || *snap.Progress != 30 || snap.LastPolledAt == nil {
			t.Errorf("refresh snapshot = %+v", snap)
		}
	}
}

func TestRefresh_NonPollingJobReturnsSnapshot(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) { return ready("https://cdn.test/r"), nil },
	}
	o := newOrchestrator(t, up)
	handle := submit(t, o, "alamy:2")
	waitFor(t, o, handle, terminal)
	polls := up.polls.Load()

	snap, err := o.Refresh(context.Background(), handle)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if snap.State != domain.StateReady || up.polls.Load() != polls {
		t.Fatalf("refresh of terminal job polled upstream: %+v", snap)
	}
}

func TestSubscribe_SlowConsumerStillGetsTerminal(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(_ context.Context, n int32) (upstream.JobStatus, error) {
			if n < 6 {
				return pending(intp(int(n) * 10)), nil
			}
			return ready("https://cdn.test/slow"), nil
		},
	}
	o := newOrchestrator(t, up, func(c *orchestrator.Config) { c.SubscriberBuffer = 1 })

	handle := submit(t, o, "istock:slow")
	ch, unsubscribe, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	waitFor(t, o, handle, terminal)
	snaps := drain(t, ch)
	if len(snaps) != 1 || snaps[0].State != domain.StateReady {
		t.Fatalf("snapshots = %+v, want only the terminal one", snaps)
	}
}

func TestSubscribe_TerminalJobClosesImmediately(t *testing.T) {
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) { return ready("https://cdn.test/t"), nil },
	}
	o := newOrchestrator(t, up)
	handle := submit(t, o, "rawpixel:7")
	waitFor(t, o, handle, terminal)

	ch, unsubscribe, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()
	unsubscribe()

	snaps := drain(t, ch)
	if len(snaps) != 1 || snaps[0].State != domain.StateReady {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	o := newOrchestrator(t, &fakeUpstream{}, func(c *orchestrator.Config) { c.StockPollInterval = time.Hour })
	handle := submit(t, o, "envato:u")

	ch, unsubscribe, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()
	drain(t, ch)
	unsubscribe()
}

func TestSweep(t *testing.T) {
	o := newOrchestrator(t, &fakeUpstream{}, func(c *orchestrator.Config) {
		c.StockPollInterval = time.Hour
		c.Retention = time.Minute
	})

	done := submit(t, o, "alamy:old")
	live := submit(t, o, "alamy:live")
	if err := o.Cancel(done); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if n := o.Sweep(time.Now()); n != 0 {
		t.Fatalf("swept %d jobs inside retention", n)
	}
	if n := o.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d jobs, want 1", n)
	}
	if _, err := o.GetJob(done); !errors.Is(err, domain.ErrUnknownHandle) {
		t.Errorf("evicted job still visible: %v", err)
	}
	if _, err := o.GetJob(live); err != nil {
		t.Errorf("live job evicted: %v", err)
	}
}

func TestList_OldestFirst(t *testing.T) {
	o := newOrchestrator(t, &fakeUpstream{}, func(c *orchestrator.Config) { c.StockPollInterval = time.Hour })
	a := submit(t, o, "alamy:1")
	time.Sleep(time.Millisecond)
	b := submit(t, o, "alamy:2")

	jobs := o.List()
	if len(jobs) != 2 || jobs[0].Handle != a || jobs[1].Handle != b {
		t.Fatalf("List() = %+v", jobs)
	}
}

func TestClose(t *testing.T) {
	up := &fakeUpstream{}
	o := orchestrator.New(up, nil, orchestrator.Config{StockPollInterval: 5 * time.Millisecond}, discard)

	handle := submit(t, o, "shutterstock:close")
	waitFor(t, o, handle, inState(domain.StatePolling))
	ch, _, err := o.Subscribe(handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	o.Close()

	drain(t, ch)
	if snap, _ := o.GetJob(handle); snap.State != domain.StatePolling {
		t.Errorf("Close changed job state to %q", snap.State)
	}
	if _, err := o.Submit(context.Background(), parser.Parse("shutterstock:after"), orchestrator.SubmitOptions{}); !errors.Is(err, orchestrator.ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}

func TestObserver_SeesEveryTransition(t *testing.T) {
	var (
		mu     sync.Mutex
		states []domain.JobState
	)
	obs := orchestrator.ObserverFunc(func(j domain.OrderJob) {
		mu.Lock()
		states = append(states, j.State)
		mu.Unlock()
	})
	up := &fakeUpstream{
		orderStatusFn: func(context.Context, int32) (upstream.JobStatus, error) { return ready("https://cdn.test/o"), nil },
	}
	o := orchestrator.New(up, nil, orchestrator.Config{StockPollInterval: 5 * time.Millisecond}, discard, obs)
	t.Cleanup(o.Close)

	waitFor(t, o, submit(t, o, "shutterstock:obs"), terminal)

	mu.Lock()
	defer mu.Unlock()
	want := []domain.JobState{domain.StateCreated, domain.StateSubmitted, domain.StatePolling, domain.StateReady}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}
