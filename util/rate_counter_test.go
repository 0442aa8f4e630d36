package util

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"
)

func TestRateCounterPassesData(t *testing.T) {
	r := NewRateCounter(1<<20, nil)
	defer r.Stop()
	input := bytes.Repeat([]byte("abcdefgh"), 1000)
	out, err := ioutil.ReadAll(r.Wrap(bytes.NewReader(input)))
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	if !bytes.Equal(out, input) {
		t.Errorf("Received %d bytes, expected %d", len(out), len(input))
	}
}

func TestRateCounterStopped(t *testing.T) {
	r := NewRateCounter(100, nil)
	r.Stop()
	r.Stop()
	_, err := r.Wrap(bytes.NewReader([]byte("hello"))).Read(make([]byte, 5))
	if err != ErrStopped {
		t.Errorf("Received %v, expected %v", err, ErrStopped)
	}
}

func TestRateCounterStoppedWithCredit(t *testing.T) {
	// plenty of credit, so the adder is always ready to hand one out
	for i := 0; i < 100; i++ {
		r := NewRateCounter(1e9, nil)
		r.Stop()
		_, err := r.Wrap(bytes.NewReader([]byte("hello"))).Read(make([]byte, 5))
		if err != ErrStopped {
			t.Fatalf("run %d: Received %v, expected %v", i, err, ErrStopped)
		}
	}
}

func TestNilRateCounter(t *testing.T) {
	var r *RateCounter
	src := bytes.NewReader([]byte("hello"))
	if r.Wrap(src) != io.Reader(src) {
		t.Errorf("nil RateCounter should not wrap")
	}
}
