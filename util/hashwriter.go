package util

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// VerifyStreamHash checksums the given io.Reader and compares the checksum
// against the provided hex encoded SHA-1 content hash. It returns true if
// they match. An empty sha is treated as matching. The reader is not closed
// when finished.
func VerifyStreamHash(r io.Reader, sha string) (bool, error) {
	if sha == "" {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	if err != nil {
		return false, err
	}
	_, ok := hw.CheckSHA(sha)
	return ok, nil
}

// HashBytes returns the hex encoded content hash of b.
func HashBytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// An HashWriter wraps an io.Writer and also calculates the content hash and
// the number of bytes written.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	sha       hash.Hash
	counter   *countWriter
}

type countWriter struct {
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		sha:     sha1.New(),
		counter: &countWriter{},
	}
	hw.Writer = io.MultiWriter(w, hw.sha, hw.counter)
	return hw
}

// NewHashWriterPlain return a HashWriter that does not wrap an output stream.
// It will just compute the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		sha:     sha1.New(),
		counter: &countWriter{},
	}
	hw.Writer = io.MultiWriter(hw.sha, hw.counter)
	return hw
}

// SHA returns the hex encoded hash of everything written so far.
func (hw *HashWriter) SHA() string {
	return hex.EncodeToString(hw.sha.Sum(nil))
}

// Size returns the number of bytes written so far.
func (hw *HashWriter) Size() int64 {
	return hw.counter.n
}

// CheckSHA returns the hash for this writer, and compares it for equality
// with the goal hash passed in. The comparison ignores case. If the goal is
// empty then it is treated as matching, and true is returned.
func (hw *HashWriter) CheckSHA(goal string) (string, bool) {
	computed := hw.SHA()
	ok := goal == "" || strings.EqualFold(goal, computed)
	return computed, ok
}
