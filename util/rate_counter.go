package util

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A RateCounter limits how many bytes per second are read through the
// readers it wraps. Every so often credits are added to a pool. As bytes are
// read credits are removed from the pool. If the pool goes negative, readers
// wait until it goes positive again.
type RateCounter struct {
	c       chan struct{} // channel we use to signal credits is positive
	stop    chan struct{} // close to signal adder goroutine to exit
	once    sync.Once
	m       sync.Mutex // protects below
	credits int64      // current credit balance
}

// Interval between adding credits to the pool. The shorter it is, the more
// waking and churning we do. The longer it is, the longer the process waits
// for credits to be added.
const rateInterval = 1 * time.Second

// NewRateCounter returns a counter where credits accumulate at the given
// bytes per second. The credits due are added once every rateInterval using
// the given clock. A nil clock means the wall clock.
func NewRateCounter(rate float64, clk clock.Clock) *RateCounter {
	if clk == nil {
		clk = clock.New()
	}
	amount := int64(rate * rateInterval.Seconds())
	if amount < 1 {
		amount = 1
	}
	r := &RateCounter{
		c:       make(chan struct{}),
		stop:    make(chan struct{}),
		credits: amount,
	}
	go r.adder(clk, amount)
	return r
}

// Use some number of units. It is okay if it takes this counter negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// OK returns a channel to wait on. It will receive an empty struct when it is OK
// to resume reading. The channel will be closed if the RateCounter is Stopped.
func (r *RateCounter) OK() <-chan struct{} {
	return r.c
}

// Stop the background goroutine refilling the RateCounter. It is safe to
// call more than once.
func (r *RateCounter) Stop() {
	// the background process will then close r.c, which will cancel any
	// readers
	r.once.Do(func() { close(r.stop) })
}

func (r *RateCounter) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// adder is the background goroutine that refills the rate counter based on the
// rate this RateCounter was created with.
func (r *RateCounter) adder(clk clock.Clock, amount int64) {
	tick := clk.Ticker(rateInterval)
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.m.Lock()
			r.credits += amount
			if r.credits > amount {
				// do not let idle time bank more than one interval
				r.credits = amount
			}
			r.m.Unlock()
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// Wrap takes an io.Reader and returns a new one where reads are limited by
// this RateCounter. Reads will block until the RateCounter says the current
// usage is ok. It is okay for more than one goroutine to use the same
// RateCounter. If the RateCounter was stopped, the returned reader will
// cause an ErrStopped. A nil RateCounter returns reader unchanged.
func (r *RateCounter) Wrap(reader io.Reader) io.Reader {
	if r == nil {
		return reader
	}
	return rateReader{reader: reader, rate: r}
}

// ErrStopped means a read failed because the governing rate counter was stopped.
var ErrStopped = errors.New("RateCounter stopped")

type rateReader struct {
	reader io.Reader
	rate   *RateCounter
}

func (r rateReader) Read(p []byte) (int, error) {
	// wait for the rate limiter. The adder may still hand out a credit
	// after Stop, so stop is checked on both sides of the wait.
	if r.rate.stopped() {
		return 0, ErrStopped
	}
	_, ok := <-r.rate.OK()
	if !ok || r.rate.stopped() {
		return 0, ErrStopped
	}
	n, err := r.reader.Read(p)
	r.rate.Use(int64(n))
	return n, err
}
