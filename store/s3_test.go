package store

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/facebookgo/clock"
)

// fakeS3 serves the read side of the S3 API from a map.
type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
	heads   int
}

func (f *fakeS3) HeadObject(in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	f.heads++
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), http.StatusNotFound, "")
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	data := f.objects[aws.StringValue(in.Key)]
	var start, end int
	fmt.Sscanf(aws.StringValue(in.Range), "bytes=%d-%d", &start, &end)
	if start >= len(data) {
		return nil, awserr.NewRequestFailure(awserr.New("InvalidRange", "", nil), http.StatusRequestedRangeNotSatisfiable, "")
	}
	if end >= len(data) {
		end = len(data) - 1
	}
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func (f *fakeS3) ListObjectsV2Pages(in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool) error {
	page := &s3.ListObjectsV2Output{}
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	fn(page, true)
	return nil
}

func (f *fakeS3) DeleteObject(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Read(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"catalogs/cat/index.json": []byte(`{"id":"cat"}`),
		"catalogs/cat/big":        bytes.Repeat([]byte("0123456789"), 1000),
		"other/thing":             []byte("x"),
	}}
	s := NewS3WithClient("bucket", "catalogs/", fake)

	keys, err := s.ListPrefix("cat/")
	if err != nil || len(keys) != 2 {
		t.Errorf("Received %v, %v", keys, err)
	}
	rac, size, err := s.Open("cat/index.json")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	data, _ := ioutil.ReadAll(NewReader(rac))
	if size != 12 || string(data) != `{"id":"cat"}` {
		t.Errorf("Received %d %q", size, data)
	}
	// sizes came from the listing, so no HEAD was needed
	if fake.heads != 0 {
		t.Errorf("Received %d HEAD requests, expected 0", fake.heads)
	}

	rac, size, err = s.Open("cat/big")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	p := make([]byte, 5)
	n, err := rac.ReadAt(p, 9995)
	if n != 5 || err != nil || string(p) != "56789" {
		t.Errorf("Received %d %v %q", n, err, p)
	}
	n, err = rac.ReadAt(p, size-2)
	if n != 2 || err == nil {
		t.Errorf("Received %d %v, expected 2 and EOF", n, err)
	}

	if _, _, err := s.Open("cat/missing"); err != ErrNotExist {
		t.Errorf("Received %v, expected %v", err, ErrNotExist)
	}
	if err := s.Delete("cat/big"); err != nil {
		t.Errorf("Received %s", err.Error())
	}
	if _, _, err := s.Open("cat/big"); err != ErrNotExist {
		t.Errorf("Received %v after delete, expected %v", err, ErrNotExist)
	}
}

func TestSizeCacheExpires(t *testing.T) {
	clk := clock.NewMock()
	c := newSizeCache(clk)
	fills := 0
	fill := func(string) (int64, error) {
		fills++
		return 0, ErrNotExist
	}
	c.Get("k", fill)
	c.Get("k", fill)
	if fills != 1 {
		t.Errorf("Received %d fills, expected 1", fills)
	}
	clk.Add(2 * time.Hour)
	c.Get("k", fill)
	if fills != 2 {
		t.Errorf("Received %d fills after expiry, expected 2", fills)
	}
}
