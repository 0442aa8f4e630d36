package util

import (
	"bytes"
	"strings"
	"testing"
)

func TestHashWriter(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	const goal = "721254fee21f4b228a945fabb758b445c634c1c0"
	var w = new(bytes.Buffer)
	hw := NewHashWriter(w)
	hw.Write([]byte(input))
	h, ok := hw.CheckSHA(goal)
	if !ok {
		t.Fatalf("Got %v, expected %v\n", h, goal)
	}
	if w.String() != input {
		t.Errorf("Received %q, expected %q", w.String(), input)
	}
	if hw.Size() != int64(len(input)) {
		t.Errorf("Received size %d, expected %d", hw.Size(), len(input))
	}
	// case is ignored
	if _, ok = hw.CheckSHA(strings.ToUpper(goal)); !ok {
		t.Errorf("Upper case hash did not match")
	}
}

func TestVerifyStreamHash(t *testing.T) {
	var table = []struct {
		input string
		sha   string
		ok    bool
	}{
		{"hello world", "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed", true},
		{"hello world", "da39a3ee5e6b4b0d3255bfef95601890afd80709", false},
		{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709", true},
		{"anything", "", true},
	}
	for _, tab := range table {
		ok, err := VerifyStreamHash(strings.NewReader(tab.input), tab.sha)
		if err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		if ok != tab.ok {
			t.Errorf("Input %q: Received %v, expected %v", tab.input, ok, tab.ok)
		}
	}
	if HashBytes([]byte("hello world")) != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("HashBytes mismatch")
	}
}
