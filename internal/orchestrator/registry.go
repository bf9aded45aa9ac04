package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ErlanBelekov/stockorder/internal/domain"
)

// entry is the registry-owned state of one job. Only the registry touches it,
// always under registry.mu.
type entry struct {
	job    domain.OrderJob
	key    string // duplicate index key
	ctx    context.Context
	cancel context.CancelFunc

	subs map[int]chan domain.OrderJob

	issued   uint64 // last poll sequence handed out
	applied  uint64 // last poll sequence whose result was applied
	failures int    // consecutive failed status polls
}

// registry owns every job. A single mutex guards the job map, the live
// duplicate index and the subscriber sets; it is held only for map and
// state mutation, never across network calls.
type registry struct {
	mu        sync.Mutex
	jobs      map[string]*entry
	live      map[string]string // duplicate key -> handle, non-terminal jobs only
	nextSub   int
	closed    bool
	bufSize   int
	observers []Observer
	now       func() time.Time
}

func newRegistry(bufSize int, now func() time.Time, observers []Observer) *registry {
	return &registry{
		jobs:      make(map[string]*entry),
		live:      make(map[string]string),
		bufSize:   bufSize,
		observers: observers,
		now:       now,
	}
}

// add inserts a job in the created state. The duplicate check and the insert
// happen atomically so two concurrent submissions of the same key cannot both win.
func (r *registry) add(ctx context.Context, cancel context.CancelFunc, job domain.OrderJob, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if existing, ok := r.live[key]; ok {
		return &domain.Error{
			Kind:    domain.KindDuplicateSubmission,
			Op:      "submit",
			Handle:  existing,
			Message: "an identical job is still in progress",
		}
	}

	r.jobs[job.Handle] = &entry{
		job:    job,
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan domain.OrderJob),
	}
	r.live[key] = job.Handle
	r.notifyObservers(job)
	return nil
}

func (r *registry) get(handle string) (domain.OrderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[handle]
	if !ok {
		return domain.OrderJob{}, unknownHandle(handle)
	}
	return e.job.Clone(), nil
}

// list returns snapshots of all jobs, oldest first.
func (r *registry) list() []domain.OrderJob {
	r.mu.Lock()
	out := make([]domain.OrderJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job.Clone())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.OrderJob) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Handle, b.Handle)
	})
	return out
}

// update applies fn to a non-terminal job. fn reports whether it changed
// anything worth publishing. Terminal jobs are never mutated; ok is false then.
func (r *registry) update(handle string, fn func(j *domain.OrderJob) bool) (snap domain.OrderJob, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.jobs[handle]
	if !found {
		return domain.OrderJob{}, false, unknownHandle(handle)
	}
	if e.job.State.IsTerminal() {
		return e.job.Clone(), false, nil
	}
	r.apply(e, func(j *domain.OrderJob, _ *int) bool { return fn(j) })
	return e.job.Clone(), true, nil
}

// beginPoll hands out the next poll sequence number along with the loop
// context and a snapshot to poll against.
func (r *registry) beginPoll(handle string) (context.Context, domain.OrderJob, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[handle]
	if !ok {
		return nil, domain.OrderJob{}, 0, unknownHandle(handle)
	}
	if e.job.State.IsTerminal() {
		return nil, e.job.Clone(), 0, errTerminal
	}
	e.issued++
	return e.ctx, e.job.Clone(), e.issued, nil
}

// applyPoll applies the result of poll seq unless a newer one already landed.
// failures is the consecutive poll failure counter for the job.
func (r *registry) applyPoll(handle string, seq uint64, fn func(j *domain.OrderJob, failures *int) bool) (domain.OrderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[handle]
	if !ok {
		return domain.OrderJob{}, unknownHandle(handle)
	}
	if e.job.State.IsTerminal() || seq <= e.applied {
		return e.job.Clone(), nil
	}
	e.applied = seq
	r.apply(e, fn)
	return e.job.Clone(), nil
}

// setResult refreshes the download link of a ready job. It is the only
// mutation allowed after a terminal transition and publishes nothing.
func (r *registry) setResult(handle string, ref domain.DownloadRef, attempts int) (domain.OrderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[handle]
	if !ok {
		return domain.OrderJob{}, unknownHandle(handle)
	}
	if e.job.State != domain.StateReady {
		return e.job.Clone(), notReady(handle, e.job.State)
	}
	e.job.Result = &ref
	e.job.Attempts += attempts
	return e.job.Clone(), nil
}

// cancel moves a live job to cancelled and stops its loop. Cancelling a
// terminal job is a no-op.
func (r *registry) cancel(handle string) (domain.OrderJob, error) {
	r.mu.Lock()
	e, ok := r.jobs[handle]
	if !ok {
		r.mu.Unlock()
		return domain.OrderJob{}, unknownHandle(handle)
	}
	if e.job.State.IsTerminal() {
		snap := e.job.Clone()
		r.mu.Unlock()
		return snap, nil
	}
	r.apply(e, func(j *domain.OrderJob, _ *int) bool {
		j.State = domain.StateCancelled
		return true
	})
	snap := e.job.Clone()
	stop := e.cancel
	r.mu.Unlock()

	stop()
	return snap, nil
}

// apply runs fn and, when it reports a change, stamps timestamps and fans the
// new snapshot out. Must be called with r.mu held.
func (r *registry) apply(e *entry, fn func(j *domain.OrderJob, failures *int) bool) {
	if !fn(&e.job, &e.failures) {
		return
	}
	now := r.now()
	e.job.UpdatedAt = now

	if !e.job.State.IsTerminal() {
		snap := e.job.Clone()
		for _, ch := range e.subs {
			deliver(ch, snap)
		}
		r.notifyObservers(snap)
		return
	}

	e.job.FinishedAt = &now
	if r.live[e.key] == e.job.Handle {
		delete(r.live, e.key)
	}
	snap := e.job.Clone()
	for id, ch := range e.subs {
		deliver(ch, snap)
		close(ch)
		delete(e.subs, id)
	}
	r.notifyObservers(snap)
}

func (r *registry) notifyObservers(snap domain.OrderJob) {
	for _, o := range r.observers {
		o.Observe(snap)
	}
}

// subscribe registers a buffered channel that first receives the current
// snapshot. For a terminal job the channel is closed right after it.
func (r *registry) subscribe(handle string) (<-chan domain.OrderJob, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[handle]
	if !ok {
		return nil, nil, unknownHandle(handle)
	}

	ch := make(chan domain.OrderJob, r.bufSize)
	ch <- e.job.Clone()
	if e.job.State.IsTerminal() || r.closed {
		close(ch)
		return ch, func() {}, nil
	}

	id := r.nextSub
	r.nextSub++
	e.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe, nil
}

// sweep evicts terminal jobs whose retention has elapsed and returns their handles.
func (r *registry) sweep(now time.Time, retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for handle, e := range r.jobs {
		if !e.job.State.IsTerminal() || e.job.FinishedAt == nil {
			continue
		}
		if e.job.FinishedAt.Add(retention).After(now) {
			continue
		}
		delete(r.jobs, handle)
		evicted = append(evicted, handle)
	}
	return evicted
}

// close refuses new jobs and subscribers and closes every open subscription.
// Job states are left untouched.
func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, e := range r.jobs {
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
	}
}

// deliver sends snap without blocking, dropping the oldest buffered snapshot
// when the subscriber is behind. Callers hold the registry mutex, so this is
// the only sender and the loop terminates.
func deliver(ch chan domain.OrderJob, snap domain.OrderJob) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func unknownHandle(handle string) error {
	return &domain.Error{Kind: domain.KindUnknownHandle, Handle: handle}
}

func notReady(handle string, state domain.JobState) error {
	return &domain.Error{Kind: domain.KindNotReady, Handle: handle, Message: fmt.Sprintf("job is %s", state)}
}
