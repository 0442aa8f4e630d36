package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, n int) *Scheduler {
	s := NewScheduler(Config{Concurrency: n})
	t.Cleanup(s.Close)
	return s
}

func mustTask(t *testing.T, s *Scheduler, name string, body Func) *Task {
	task, err := s.NewTask(MustDescriptor("test", name, NoVersion), nil, nil, body)
	require.NoError(t, err)
	return task
}

func wait(t *testing.T, op Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, op.Wait(ctx), "timed out waiting for %s", op.Title())
}

func messages(events []Event, kind EventKind) []string {
	var result []string
	for _, e := range events {
		if e.Kind == kind {
			result = append(result, e.Message)
		}
	}
	return result
}

func TestTaskRuns(t *testing.T) {
	s := newScheduler(t, 2)
	ran := false
	task := mustTask(t, s, "a", func(t *Task) error {
		ran = true
		t.Info("hello")
		return nil
	})
	assert.Equal(t, Pending, task.State())
	require.NoError(t, s.Submit(task))
	require.NoError(t, s.Submit(task)) // second submit is ignored
	wait(t, task)

	assert.True(t, ran)
	assert.True(t, task.IsFinished())
	assert.False(t, task.Failed())
	kinds := []EventKind{}
	for _, e := range task.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventBegin, EventInfo, EventComplete}, kinds)
	assert.Equal(t, "test a", task.Title())
	assert.Equal(t, "a", task.Resource().String())
}

func TestNewTaskRejectsBadDescriptor(t *testing.T) {
	s := newScheduler(t, 1)
	_, err := s.NewTask(Descriptor{Kind: "x"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

// Children finish in reverse order; aggregation still follows enqueue order.
func TestAggregationFollowsEnqueueOrder(t *testing.T) {
	s := newScheduler(t, 4)
	release := make(map[string]chan struct{})
	for _, name := range []string{"A", "B", "C"} {
		release[name] = make(chan struct{})
	}
	var finished []string
	var mu sync.Mutex

	parent := mustTask(t, s, "parent", func(p *Task) error {
		p.Info("parent")
		for _, name := range []string{"A", "B", "C"} {
			name := name
			child := mustTask(t, s, name, func(c *Task) error {
				<-release[name]
				c.Info(name)
				mu.Lock()
				finished = append(finished, name)
				mu.Unlock()
				return fmt.Errorf("error %s", name)
			})
			require.NoError(t, p.Enqueue(child))
		}
		p.Then(func(p *Task) error {
			// every child must be done by now
			for _, c := range p.ChildTasks() {
				assert.True(t, c.IsFinished())
			}
			p.Info("after children")
			return nil
		})
		return nil
	})
	require.NoError(t, s.Submit(parent))

	require.Eventually(t, func() bool { return len(parent.ChildTasks()) == 3 }, 5*time.Second, time.Millisecond)
	close(release["C"])
	require.Eventually(t, func() bool { return parent.ChildTasks()[2].IsFinished() }, 5*time.Second, time.Millisecond)
	close(release["B"])
	require.Eventually(t, func() bool { return parent.ChildTasks()[1].IsFinished() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, Executing, parent.State())
	close(release["A"])
	wait(t, parent)

	assert.Equal(t, []string{"C", "B", "A"}, finished)
	assert.Equal(t, []string{"parent", "after children", "A", "B", "C"}, messages(parent.AllEvents(), EventInfo))
	var errs []string
	for _, err := range parent.AllErrors() {
		errs = append(errs, err.Error())
	}
	assert.Equal(t, []string{"error A", "error B", "error C"}, errs)
	assert.Empty(t, parent.Errors())
	assert.True(t, parent.IsFinished())
	assert.True(t, parent.Failed())
	assert.Len(t, parent.ChildOperations(), 3)
}

func TestPlainOperationsAreNotTasks(t *testing.T) {
	s := newScheduler(t, 2)
	parent := mustTask(t, s, "parent", func(p *Task) error {
		op := s.NewOperation("plain", func(o *Task) error {
			o.Info("plain op")
			return nil
		})
		return p.Enqueue(op)
	})
	require.NoError(t, s.Submit(parent))
	wait(t, parent)
	assert.Len(t, parent.ChildOperations(), 1)
	assert.Empty(t, parent.ChildTasks())
	assert.Empty(t, messages(parent.AllEvents(), EventInfo))
	assert.Nil(t, parent.ChildOperations()[0].(*Task).Resource())
}

func TestDependencies(t *testing.T) {
	s := newScheduler(t, 4)
	var order []string
	var mu sync.Mutex
	record := func(name string) Func {
		return func(t *Task) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	gate := make(chan struct{})
	a := mustTask(t, s, "a", func(t *Task) error {
		<-gate
		return record("a")(t)
	})
	b := mustTask(t, s, "b", record("b"))
	c := mustTask(t, s, "c", record("c"))
	require.NoError(t, b.AddDependency(a))
	require.NoError(t, c.AddDependency(b))
	require.NoError(t, c.AddDependency(a))
	require.NoError(t, c.AddDependency(a)) // duplicate edge is fine

	assert.ErrorIs(t, a.AddDependency(c), ErrDependencyCycle)
	assert.ErrorIs(t, a.AddDependency(a), ErrDependencyCycle)

	require.NoError(t, s.Submit(c))
	require.NoError(t, s.Submit(b))
	require.NoError(t, s.Submit(a))
	assert.ErrorIs(t, c.AddDependency(s.NewOperation("late", nil)), ErrInvalidDependency)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Pending, b.State())
	assert.Equal(t, Pending, c.State())
	close(gate)
	wait(t, c)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDependencyOnOtherScheduler(t *testing.T) {
	s1 := newScheduler(t, 1)
	s2 := newScheduler(t, 1)
	a := mustTask(t, s1, "a", nil)
	b := mustTask(t, s2, "b", nil)
	assert.ErrorIs(t, a.AddDependency(b), ErrInvalidDependency)
	assert.ErrorIs(t, s1.Submit(b), ErrForeignOperation)
}

func TestTerminalDependencyIsSatisfied(t *testing.T) {
	s := newScheduler(t, 1)
	a := mustTask(t, s, "a", nil)
	a.Cancel()
	b := mustTask(t, s, "b", nil)
	require.NoError(t, b.AddDependency(a))
	require.NoError(t, s.Submit(b))
	wait(t, b)
	assert.True(t, b.IsFinished())
}

func TestCancelPending(t *testing.T) {
	s := newScheduler(t, 1)
	ran := false
	a := mustTask(t, s, "a", func(t *Task) error {
		ran = true
		return nil
	})
	a.Cancel()
	a.Cancel()
	assert.True(t, a.IsCancelled())
	assert.True(t, a.Aborted())
	require.NoError(t, s.Submit(a))
	wait(t, a)
	assert.False(t, ran)
}

func TestCancelReleasesDependents(t *testing.T) {
	s := newScheduler(t, 1)
	a := mustTask(t, s, "a", nil)
	b := mustTask(t, s, "b", nil)
	require.NoError(t, b.AddDependency(a))
	require.NoError(t, s.Submit(b))
	require.NoError(t, s.Submit(a))
	a.Cancel()
	wait(t, b)
	assert.True(t, b.IsFinished() || b.IsCancelled())
}

func TestCancelExecutingParent(t *testing.T) {
	s := newScheduler(t, 4)
	started := make(chan struct{})
	finishChild := make(chan struct{})
	var afterRan int32
	var child *Task
	parent := mustTask(t, s, "parent", func(p *Task) error {
		child = mustTask(t, s, "child", func(c *Task) error {
			close(started)
			<-finishChild
			c.Then(func(*Task) error {
				atomic.StoreInt32(&afterRan, 1)
				return nil
			})
			return nil
		})
		require.NoError(t, p.Enqueue(child))
		p.Then(func(*Task) error {
			atomic.StoreInt32(&afterRan, 1)
			return nil
		})
		return nil
	})
	require.NoError(t, s.Submit(parent))
	<-started

	parent.Cancel()
	// the child step is still running, so neither can be terminal yet
	assert.Equal(t, Executing, parent.State())
	assert.Equal(t, Executing, child.State())
	assert.Error(t, child.Context().Err())

	close(finishChild)
	wait(t, parent)
	assert.True(t, child.IsCancelled())
	assert.True(t, parent.IsCancelled())
	assert.Equal(t, int32(0), atomic.LoadInt32(&afterRan))
}

func TestCancelledContextIsNotAnError(t *testing.T) {
	s := newScheduler(t, 1)
	started := make(chan struct{})
	a := mustTask(t, s, "a", func(t *Task) error {
		close(started)
		<-t.Context().Done()
		return t.Context().Err()
	})
	require.NoError(t, s.Submit(a))
	<-started
	a.Cancel()
	wait(t, a)
	assert.True(t, a.IsCancelled())
	assert.Empty(t, a.Errors())
}

func TestErrorDropsContinuations(t *testing.T) {
	s := newScheduler(t, 1)
	boom := errors.New("boom")
	ranThen := false
	a := mustTask(t, s, "a", func(t *Task) error {
		t.Then(func(*Task) error {
			ranThen = true
			return nil
		})
		return boom
	})
	require.NoError(t, s.Submit(a))
	wait(t, a)
	assert.False(t, ranThen)
	assert.True(t, a.IsFinished())
	assert.Equal(t, []error{boom}, a.Errors())
	assert.Equal(t, []string{"boom"}, messages(a.Events(), EventError))
}

func TestPanicIsRecorded(t *testing.T) {
	s := newScheduler(t, 1)
	a := mustTask(t, s, "a", func(t *Task) error {
		panic("oops")
	})
	require.NoError(t, s.Submit(a))
	wait(t, a)
	require.Len(t, a.Errors(), 1)
	assert.Contains(t, a.Errors()[0].Error(), "oops")
	assert.True(t, a.Failed())
}

func TestContextLost(t *testing.T) {
	s := newScheduler(t, 1)
	h := NewHandle(42)
	ran := false
	a, err := s.NewTask(MustDescriptor("test", "a", 1), h, "input", func(t *Task) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "input", a.Input())
	v, err := a.Repo()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	h.Release()
	require.NoError(t, s.Submit(a))
	wait(t, a)
	assert.False(t, ran)
	assert.Equal(t, []error{ErrContextLost}, a.Errors())
	assert.True(t, a.IsFinished())
}

func TestEnqueueRules(t *testing.T) {
	s := newScheduler(t, 2)
	idle := mustTask(t, s, "idle", nil)
	assert.ErrorIs(t, idle.Enqueue(mustTask(t, s, "x", nil)), ErrInvalidChild)

	shared := mustTask(t, s, "shared", nil)
	var enqueueSelf, enqueueTwice error
	parent := mustTask(t, s, "parent", func(p *Task) error {
		enqueueSelf = p.Enqueue(p)
		if err := p.Enqueue(shared); err != nil {
			return err
		}
		enqueueTwice = p.Enqueue(shared)
		return nil
	})
	require.NoError(t, s.Submit(parent))
	wait(t, parent)
	assert.ErrorIs(t, enqueueSelf, ErrInvalidChild)
	assert.ErrorIs(t, enqueueTwice, ErrInvalidChild)
	assert.True(t, shared.IsFinished())
}

func TestEnqueueChildWaitingOnAncestor(t *testing.T) {
	s := newScheduler(t, 2)
	var onParent, onGrandparent, onOther error
	var grandparent *Task
	parent := mustTask(t, s, "parent", func(p *Task) error {
		c1 := mustTask(t, s, "c1", nil)
		assert.NoError(t, c1.AddDependency(p))
		onParent = p.Enqueue(c1)

		c2 := mustTask(t, s, "c2", nil)
		assert.NoError(t, c2.AddDependency(grandparent))
		onGrandparent = p.Enqueue(c2)

		// depending on an unrelated task is fine
		other := mustTask(t, s, "other", nil)
		assert.NoError(t, s.Submit(other))
		c3 := mustTask(t, s, "c3", nil)
		assert.NoError(t, c3.AddDependency(other))
		onOther = p.Enqueue(c3)
		return nil
	})
	grandparent = mustTask(t, s, "grandparent", func(g *Task) error {
		return g.Enqueue(parent)
	})
	require.NoError(t, s.Submit(grandparent))
	wait(t, grandparent)

	assert.ErrorIs(t, onParent, ErrDependencyCycle)
	assert.ErrorIs(t, onGrandparent, ErrDependencyCycle)
	assert.NoError(t, onOther)
	assert.True(t, parent.IsFinished())
	assert.True(t, grandparent.IsFinished())
}

func TestSharedChildIsNotCancelled(t *testing.T) {
	s := newScheduler(t, 4)
	release := make(chan struct{})
	shared := mustTask(t, s, "shared", func(*Task) error {
		<-release
		return nil
	})
	require.NoError(t, s.Submit(shared))

	enqueued := make(chan struct{})
	parent := mustTask(t, s, "parent", func(p *Task) error {
		defer close(enqueued)
		return p.Enqueue(shared)
	})
	require.NoError(t, s.Submit(parent))
	<-enqueued
	parent.Cancel()
	close(release)
	wait(t, parent)
	assert.True(t, parent.IsCancelled())
	assert.True(t, shared.IsFinished())
}

func TestConcurrencyLimit(t *testing.T) {
	s := newScheduler(t, 2)
	var running, peak int32
	release := make(chan struct{})
	var tasks []*Task
	for i := 0; i < 6; i++ {
		task := mustTask(t, s, fmt.Sprintf("t%d", i), func(*Task) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		})
		tasks = append(tasks, task)
		require.NoError(t, s.Submit(task))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Len(t, s.Active(), 6)
	close(release)
	for _, task := range tasks {
		wait(t, task)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
	assert.Empty(t, s.Active())
}

func TestOnTerminal(t *testing.T) {
	s := newScheduler(t, 1)
	called := make(chan State, 2)
	a := mustTask(t, s, "a", nil)
	a.OnTerminal(func(t *Task) { called <- t.State() })
	require.NoError(t, s.Submit(a))
	wait(t, a)
	assert.Equal(t, Finished, <-called)
	a.OnTerminal(func(t *Task) { called <- t.State() })
	assert.Equal(t, Finished, <-called)
}

func TestCloseCancelsLiveTasks(t *testing.T) {
	s := NewScheduler(Config{Concurrency: 1})
	started := make(chan struct{})
	a := mustTask(t, s, "a", func(t *Task) error {
		close(started)
		<-t.Context().Done()
		return nil
	})
	b := mustTask(t, s, "b", nil)
	require.NoError(t, b.AddDependency(a))
	require.NoError(t, s.Submit(a))
	require.NoError(t, s.Submit(b))
	<-started
	s.Close()
	s.Close()
	assert.True(t, a.IsCancelled())
	assert.True(t, b.IsCancelled())

	late := mustTask(t, s, "late", nil)
	require.NoError(t, s.Submit(late))
	assert.True(t, late.IsCancelled())
}
