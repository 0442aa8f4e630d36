package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ndlib/bcat/util"
)

// ErrForeignOperation is returned when an operation is handed to a
// scheduler other than the one which made it.
var ErrForeignOperation = errors.New("task: operation belongs to another scheduler")

// Config holds the settings for a Scheduler. The zero value is usable.
type Config struct {
	Concurrency int          // steps allowed to run at once, default 4
	Clock       clock.Clock  // source of event times, default the wall clock
	Stats       stats.Client // receives task.* metrics, default none
}

// A Scheduler runs the steps of submitted tasks on a bounded number of
// goroutines. A task whose step has returned but which is waiting on its
// children does not hold a goroutine.
//
// All task state and dependency edges are guarded by the scheduler mutex.
// Per-task lists of children, events and errors have their own mutex so
// they can be read while the scheduler is busy. Lock order is the
// scheduler mutex before a task mutex.
type Scheduler struct {
	clock      clock.Clock
	stats      stats.Client
	gate       *util.Gate
	workers    conc.WaitGroup
	dispatched chan struct{}

	mu     sync.Mutex
	ready  *sync.Cond // signalled when queue grows or the scheduler winds down
	queue  []*Task
	live   map[*Task]struct{} // submitted and not terminal
	nextID uint64
	closed bool
	notify []func() // run after releasing mu
}

// NewScheduler starts a scheduler. Call Close to stop it.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = &stats.HookClient{}
	}
	s := &Scheduler{
		clock:      cfg.Clock,
		stats:      cfg.Stats,
		gate:       util.NewGate(cfg.Concurrency),
		dispatched: make(chan struct{}),
		live:       make(map[*Task]struct{}),
	}
	s.ready = sync.NewCond(&s.mu)
	go s.dispatch()
	return s
}

// NewTask returns a Pending task which will run body when submitted. The
// handle is resolved by Task.Repo and may be nil.
func (s *Scheduler) NewTask(desc Descriptor, handle *Handle, input interface{}, body Func) (*Task, error) {
	if desc.Kind == "" || desc.Resource == "" || desc.Version < NoVersion {
		return nil, ErrInvalidDescriptor
	}
	title := desc.String()
	if input != nil {
		title = fmt.Sprintf("%s (%v)", title, input)
	}
	return s.newTask(desc, title, handle, input, body), nil
}

// NewOperation returns a plain Pending operation with no descriptor.
// Plain operations take part in dependencies and cancellation but are not
// listed by ChildTasks and their events are not aggregated.
func (s *Scheduler) NewOperation(title string, body Func) *Task {
	return s.newTask(Descriptor{}, title, nil, nil, body)
}

func (s *Scheduler) newTask(desc Descriptor, title string, handle *Handle, input interface{}, body Func) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	t := &Task{
		s:      s,
		id:     id,
		desc:   desc,
		title:  title,
		input:  input,
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if body != nil {
		t.steps = []Func{body}
	}
	return t
}

// Submit hands op to the scheduler. It runs once all its dependencies are
// terminal. Submitting an operation more than once does nothing.
// Operations submitted after Close are cancelled.
func (s *Scheduler) Submit(op Operation) error {
	if op == nil {
		return ErrInvalidDependency
	}
	t := op.node()
	if t.s != s {
		return ErrForeignOperation
	}
	s.mu.Lock()
	s.submitLocked(t)
	s.unlockAndNotify()
	return nil
}

// Active returns the submitted operations which are not yet terminal, in
// the order they were created.
func (s *Scheduler) Active() []*Task {
	s.mu.Lock()
	result := make([]*Task, 0, len(s.live))
	for t := range s.live {
		result = append(result, t)
	}
	s.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Close cancels every live operation and waits for running steps to
// return. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.dispatched
		return
	}
	s.closed = true
	for t := range s.live {
		s.cancelLocked(t)
	}
	s.ready.Broadcast()
	s.unlockAndNotify()
	<-s.dispatched
	s.workers.Wait()
	s.gate.Stop()
}

// unlockAndNotify releases s.mu and then runs the queued notifications.
func (s *Scheduler) unlockAndNotify() {
	fns := s.notify
	s.notify = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// dispatch hands queued tasks to worker goroutines, waiting on the gate
// for a free slot. It exits once the scheduler is closed and nothing is
// left alive.
func (s *Scheduler) dispatch() {
	defer close(s.dispatched)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !(s.closed && len(s.live) == 0) {
			s.ready.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		stale := !t.queued || t.state.terminal()
		s.mu.Unlock()
		if stale {
			continue
		}
		if !s.gate.Enter() {
			return
		}
		s.workers.Go(func() {
			defer s.gate.Leave()
			s.run(t)
		})
	}
}

// run executes the next step of t.
func (s *Scheduler) run(t *Task) {
	s.mu.Lock()
	if !t.queued || t.state.terminal() {
		// cancelled while waiting for a worker
		s.unlockAndNotify()
		return
	}
	t.queued = false
	if t.outstanding > 0 {
		// a child was enqueued from outside a step after this step was
		// queued. advanceLocked queues it again when the child is done.
		s.mu.Unlock()
		return
	}
	first := t.state == Ready
	t.state = Executing
	t.stepRunning = true
	var step Func
	if len(t.steps) > 0 {
		step = t.steps[0]
		t.steps = t.steps[1:]
	}
	s.mu.Unlock()

	if first {
		t.AddEvent(EventBegin, "", nil)
		s.stats.BumpSum("task.started", 1)
	}
	var err error
	switch {
	case t.handle != nil && !t.handle.Live():
		err = ErrContextLost
	case step != nil:
		err = s.call(t, step)
	}
	if err != nil && !(errors.Is(err, context.Canceled) && t.ctx.Err() != nil) {
		t.RecordError(err)
	}

	s.mu.Lock()
	t.stepRunning = false
	if err != nil {
		t.steps = nil
	}
	s.advanceLocked(t)
	s.unlockAndNotify()
}

// call runs a single step, turning a panic into an error.
func (s *Scheduler) call(t *Task, step Func) error {
	defer s.stats.BumpTime("task.step.time").End()
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = step(t) })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

func (s *Scheduler) submitLocked(t *Task) {
	if t.submitted || t.state.terminal() {
		return
	}
	t.submitted = true
	if s.closed {
		s.cancelLocked(t)
		return
	}
	s.live[t] = struct{}{}
	s.stats.BumpSum("task.submitted", 1)
	if t.pendingDeps == 0 {
		t.state = Ready
		s.pushLocked(t)
	}
}

func (s *Scheduler) pushLocked(t *Task) {
	t.queued = true
	s.queue = append(s.queue, t)
	s.ready.Signal()
}

// advanceLocked moves an executing task along once its step has returned:
// it queues the next step when every child is terminal, or makes the task
// terminal when no steps remain.
func (s *Scheduler) advanceLocked(t *Task) {
	if t.state != Executing || t.stepRunning || t.queued || t.outstanding > 0 {
		return
	}
	if len(t.steps) > 0 && !t.cancelRequested {
		s.pushLocked(t)
		return
	}
	if t.cancelRequested {
		s.finishLocked(t, Cancelled)
	} else {
		s.finishLocked(t, Finished)
	}
}

func (s *Scheduler) cancelLocked(t *Task) {
	if t.state.terminal() || t.cancelRequested {
		return
	}
	t.cancelRequested = true
	t.cancel()
	switch t.state {
	case Pending, Ready:
		s.finishLocked(t, Cancelled)
	case Executing:
		t.steps = nil
		t.queued = false
		for _, c := range t.snapshotChildren() {
			if c.owner == t {
				s.cancelLocked(c)
			}
		}
		s.advanceLocked(t)
	}
}

// finishLocked makes t terminal, releases its dependents and lets its
// parents advance. Done is closed and OnTerminal callbacks run once s.mu
// is released.
func (s *Scheduler) finishLocked(t *Task, state State) {
	t.state = state
	t.queued = false
	t.steps = nil
	t.cancel()
	delete(s.live, t)
	t.AddEvent(EventComplete, state.String(), nil)
	if state == Cancelled {
		s.stats.BumpSum("task.cancelled", 1)
	} else {
		s.stats.BumpSum("task.finished", 1)
	}

	for _, d := range t.dependents {
		if d.state != Pending {
			continue
		}
		d.pendingDeps--
		if d.pendingDeps == 0 && d.submitted {
			d.state = Ready
			s.pushLocked(d)
		}
	}
	t.dependents = nil

	callbacks := t.onTerminal
	t.onTerminal = nil
	s.notify = append(s.notify, func() {
		close(t.done)
		for _, fn := range callbacks {
			fn(t)
		}
	})

	for _, p := range t.parents {
		p.outstanding--
		s.advanceLocked(p)
	}
	if s.closed {
		s.ready.Broadcast()
	}
}
