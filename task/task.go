package task

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// State is the position of an operation in its lifecycle. Operations only
// move forward: Pending, Ready, Executing and then either Finished or
// Cancelled.
type State int

const (
	Pending   State = iota // waiting on submission or dependencies
	Ready                  // queued for a worker
	Executing              // running a step, or waiting on children between steps
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) terminal() bool {
	return s == Finished || s == Cancelled
}

var (
	ErrDependencyCycle   = errors.New("task: dependency would create a cycle")
	ErrInvalidDependency = errors.New("task: invalid dependency")
	ErrInvalidChild      = errors.New("task: invalid child operation")
)

// An Operation is a unit of cancellable work which may depend on other
// operations. The only implementation is *Task; plain operations are Tasks
// made with Scheduler.NewOperation and have a zero Descriptor.
type Operation interface {
	Title() string
	State() State
	IsFinished() bool
	IsCancelled() bool
	Done() <-chan struct{}
	Wait(ctx context.Context) error
	Cancel()
	AddDependency(op Operation) error
	node() *Task
}

// Func is one step of a task. The worker running it is released when it
// returns. A step may Enqueue child operations and register the next step
// with Then. A non-nil return is recorded as an error of the task and
// drops the steps still registered.
type Func func(t *Task) error

// A Task is a node in a tree of work. It carries a descriptor, an input
// value and a handle to the context which created it, and it tracks the
// child operations it enqueues along with its own events and errors.
type Task struct {
	s      *Scheduler
	id     uint64
	desc   Descriptor
	title  string
	input  interface{}
	handle *Handle
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// the following are guarded by s.mu
	state           State
	submitted       bool
	queued          bool // an entry for this task is waiting in the ready queue
	stepRunning     bool
	cancelRequested bool
	steps           []Func
	deps            []*Task
	dependents      []*Task
	pendingDeps     int
	owner           *Task   // parent which submitted this task, if any
	parents         []*Task // every task waiting on this one as a child
	outstanding     int     // children not yet terminal
	onTerminal      []func(*Task)

	mu       sync.Mutex // guards children, events and errs
	children []*Task
	events   []Event
	errs     []error
}

var _ Operation = &Task{}

func (t *Task) node() *Task { return t }

// Title is a label for display and logging only.
func (t *Task) Title() string { return t.title }

// Descriptor is zero for plain operations.
func (t *Task) Descriptor() Descriptor { return t.desc }

func (t *Task) Input() interface{} { return t.input }

// Resource returns the locator named by the descriptor, or nil for plain
// operations.
func (t *Task) Resource() *url.URL {
	if t.desc.IsZero() {
		return nil
	}
	u, err := t.desc.URL()
	if err != nil {
		return nil
	}
	return u
}

// Repo resolves the handle to the context which made this task. Once that
// context is closed it returns ErrContextLost.
func (t *Task) Repo() (interface{}, error) {
	return t.handle.Get()
}

// Context is cancelled when the task is cancelled. Steps should pass it to
// blocking calls.
func (t *Task) Context() context.Context { return t.ctx }

func (t *Task) State() State {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state
}

func (t *Task) IsFinished() bool  { return t.State() == Finished }
func (t *Task) IsCancelled() bool { return t.State() == Cancelled }

// Done is closed once the task is Finished or Cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed is true if the task finished and its tree recorded errors.
func (t *Task) Failed() bool {
	return t.IsFinished() && len(t.AllErrors()) > 0
}

// Aborted is true if the task was cancelled.
func (t *Task) Aborted() bool {
	return t.IsCancelled()
}

// Cancel requests cancellation. A task which has not started becomes
// Cancelled immediately. A running task stops before its next step and
// cancels the children it owns; it becomes Cancelled once they are all
// terminal. Children shared with another parent through deduplication are
// not cancelled, since the other parent still needs them; t only stops
// waiting on them once they end on their own. Calling Cancel more than once, or on a terminal task, does
// nothing.
func (t *Task) Cancel() {
	s := t.s
	s.mu.Lock()
	s.cancelLocked(t)
	s.unlockAndNotify()
}

// AddDependency makes t wait for op to become terminal before running. It
// must be called before t is submitted. A dependency which is already
// terminal is satisfied immediately.
func (t *Task) AddDependency(op Operation) error {
	if op == nil {
		return ErrInvalidDependency
	}
	d := op.node()
	if d.s != t.s {
		return ErrInvalidDependency
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.submitted || t.state != Pending {
		return ErrInvalidDependency
	}
	if d == t || dependsOn(d, t) {
		return ErrDependencyCycle
	}
	for _, x := range t.deps {
		if x == d {
			return nil
		}
	}
	t.deps = append(t.deps, d)
	if !d.state.terminal() {
		t.pendingDeps++
		d.dependents = append(d.dependents, t)
	}
	return nil
}

// dependsOn reports whether a transitively depends on b. Needs s.mu.
func dependsOn(a, b *Task) bool {
	seen := make(map[*Task]bool)
	stack := []*Task{a}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range x.deps {
			if d == b {
				return true
			}
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// Enqueue adds op as a child of t and submits it. The next step of t will
// not run, and t will not become terminal, until op is terminal. If op
// already has a parent it is shared: t waits on it and reports its events
// and errors, but cancelling t does not cancel it.
//
// Enqueue may only be called while t is executing.
func (t *Task) Enqueue(op Operation) error {
	if op == nil {
		return ErrInvalidChild
	}
	c := op.node()
	s := t.s
	if c.s != s {
		return ErrInvalidChild
	}
	s.mu.Lock()
	if t.state != Executing || c == t || isAncestor(c, t) {
		s.mu.Unlock()
		return ErrInvalidChild
	}
	for _, p := range c.parents {
		if p == t {
			s.mu.Unlock()
			return ErrInvalidChild
		}
	}
	// t cannot finish before c, so c may not wait on t or its ancestors
	if waitsOnAncestor(c, t) {
		s.mu.Unlock()
		return ErrDependencyCycle
	}
	owner := c.owner == nil && !c.submitted
	if owner {
		c.owner = t
	}
	c.parents = append(c.parents, t)
	t.mu.Lock()
	t.children = append(t.children, c)
	t.mu.Unlock()
	if !c.state.terminal() {
		t.outstanding++
		switch {
		case owner && t.cancelRequested:
			s.cancelLocked(c)
		case owner:
			s.submitLocked(c)
		}
	}
	s.unlockAndNotify()
	return nil
}

// isAncestor reports whether a is t or one of its parents, transitively.
// Needs s.mu.
func isAncestor(a, t *Task) bool {
	stack := []*Task{t}
	seen := make(map[*Task]bool)
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x == a {
			return true
		}
		for _, p := range x.parents {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// waitsOnAncestor reports whether c depends, transitively, on t or one of
// its parents. Needs s.mu.
func waitsOnAncestor(c, t *Task) bool {
	stack := []*Task{t}
	seen := map[*Task]bool{t: true}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if dependsOn(c, x) {
			return true
		}
		for _, p := range x.parents {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return false
}

// Then registers fn to run after the current step returns and every child
// enqueued so far is terminal. Continuations run in the order registered.
// Then does nothing once the task has been cancelled.
func (t *Task) Then(fn Func) {
	s := t.s
	s.mu.Lock()
	if !t.cancelRequested && !t.state.terminal() {
		t.steps = append(t.steps, fn)
	}
	s.mu.Unlock()
}

// OnTerminal arranges for fn to be called once t is Finished or Cancelled.
// If t is already terminal, fn is called before OnTerminal returns.
// Callbacks run outside of any scheduler lock.
func (t *Task) OnTerminal(fn func(*Task)) {
	s := t.s
	s.mu.Lock()
	if t.state.terminal() {
		s.mu.Unlock()
		fn(t)
		return
	}
	t.onTerminal = append(t.onTerminal, fn)
	s.mu.Unlock()
}

// AddEvent appends an event to this task.
func (t *Task) AddEvent(kind EventKind, message string, attrs map[string]interface{}) {
	e := Event{
		Kind:    kind,
		Source:  t.desc,
		Title:   t.title,
		Message: message,
		Time:    t.s.clock.Now(),
		Attrs:   attrs,
	}
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

// Info appends an informational event.
func (t *Task) Info(format string, args ...interface{}) {
	t.AddEvent(EventInfo, fmt.Sprintf(format, args...), nil)
}

// Progress appends a progress event with the amount done out of total.
func (t *Task) Progress(current, total int64) {
	t.AddEvent(EventProgress, fmt.Sprintf("%d/%d", current, total), map[string]interface{}{
		"current": current,
		"total":   total,
	})
}

// RecordError appends err to this task's errors along with an error event.
// Recording an error does not stop the task.
func (t *Task) RecordError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
	t.AddEvent(EventError, err.Error(), nil)
	t.s.stats.BumpSum("task.errors", 1)
}

// ChildOperations returns every operation enqueued by t, in order.
func (t *Task) ChildOperations() []Operation {
	children := t.snapshotChildren()
	result := make([]Operation, len(children))
	for i, c := range children {
		result[i] = c
	}
	return result
}

// ChildTasks returns the enqueued children which have a descriptor.
func (t *Task) ChildTasks() []*Task {
	var result []*Task
	for _, c := range t.snapshotChildren() {
		if !c.desc.IsZero() {
			result = append(result, c)
		}
	}
	return result
}

func (t *Task) snapshotChildren() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	// children is append only, so the prefix is stable
	return t.children[:len(t.children):len(t.children)]
}

// Events returns the events recorded by this task only.
func (t *Task) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Errors returns the errors recorded by this task only.
func (t *Task) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errs...)
}

// AllEvents returns the events of this task followed by AllEvents of each
// child task in the order they were enqueued. It does not block on running
// work; it reflects the tree at the moment of the call.
func (t *Task) AllEvents() []Event {
	result := t.Events()
	for _, c := range t.ChildTasks() {
		result = append(result, c.AllEvents()...)
	}
	return result
}

// AllErrors is like AllEvents but for errors. For the root of a request it
// is the full report of what went wrong.
func (t *Task) AllErrors() []error {
	result := t.Errors()
	for _, c := range t.ChildTasks() {
		result = append(result, c.AllErrors()...)
	}
	return result
}

func (t *Task) String() string {
	return fmt.Sprintf("%s (%s)", t.title, t.State())
}
