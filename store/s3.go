package store

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
)

// A S3 store represents a store that is kept on AWS S3 storage, or on any
// service speaking the S3 protocol.
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc      s3iface.S3API
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
	sizes    *sizecache // keep HEAD info
}

var _ Store = &S3{}

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. This is to allow for a bucket to be used for more than
// one store. For example if prefix were "catalogs/" then an Open("hello") would
// look for the key "catalogs/hello" in the bucket. The authorization method and
// credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return NewS3WithClient(bucket, prefix, s3.New(awsSession))
}

// NewS3WithClient is like NewS3 but takes the client to use.
func NewS3WithClient(bucket, prefix string, svc s3iface.S3API) *S3 {
	return &S3{
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		Bucket:   bucket,
		Prefix:   prefix,
		sizes:    newSizeCache(nil),
	}
}

// List returns a list of all the keys in this store. It will only return ones
// that satisfy the store's Prefix, so it is safe to use this on a bucket
// containing other items.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.list("", func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.list(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Pattern": prefix})
	}
	return result, err
}

func (s *S3) list(prefix string, emit func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	return s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				key := strings.TrimPrefix(aws.StringValue(item.Key), s.Prefix)
				s.sizes.Set(key, aws.Int64Value(item.Size))
				emit(key)
			}
			return !lastpage
		})
}

// Open will return a ReadAtCloser to get the content for the given key. Data
// is paged in from S3 as needed.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.sizes.Get(key, s.stat)
	if err != nil {
		return nil, 0, err
	}
	result := &s3ReadAtCloser{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
	}
	return result, size, nil
}

// stat does a HEAD request for the key and returns its size.
func (s *S3) stat(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
			return 0, ErrNotExist
		}
		return 0, err
	}
	return aws.Int64Value(info.ContentLength), nil
}

// Create will return a WriteCloser to upload content to the given key. The
// upload manager splits large objects into parts. The object appears once
// Close returns without error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if _, err := s.sizes.Get(key, s.stat); err == nil {
		return nil, ErrKeyExists
	}
	pr, pw := io.Pipe()
	w := &s3WriteCloser{pw: pw}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		// drain anything the uploader did not read so writers do not block
		io.Copy(ioutil.Discard, pr)
		w.err = err
		if err == nil {
			s.sizes.Set(key, 0)
		}
	}()
	return w, nil
}

type s3WriteCloser struct {
	pw  *io.PipeWriter
	wg  sync.WaitGroup
	err error
}

func (w *s3WriteCloser) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3WriteCloser) Close() error {
	w.pw.Close()
	w.wg.Wait()
	return w.err
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key})
	} else {
		s.sizes.Set(key, sizeDeleted)
	}
	return err
}

// s3ReadAtCloser adapts ranged GETs to the ReadAt interface. It keeps the
// most recent page, which serves the expected sequential read through the
// object. It is not safe to use from more than one goroutine.
type s3ReadAtCloser struct {
	svc    s3iface.S3API
	bucket string
	key    string
	size   int64
	page   []byte
	offset int64 // offset of page in the object
}

const s3PageSize = 8 * 1024 * 1024

// ReadAt implements the io.ReadAt interface.
func (rac *s3ReadAtCloser) ReadAt(p []byte, offset int64) (int, error) {
	start := offset
	for len(p) > 0 && offset < rac.size {
		if offset < rac.offset || offset >= rac.offset+int64(len(rac.page)) {
			if err := rac.load(offset); err != nil {
				return int(offset - start), err
			}
		}
		n := copy(p, rac.page[offset-rac.offset:])
		p = p[n:]
		offset += int64(n)
	}
	if len(p) > 0 {
		return int(offset - start), io.EOF
	}
	return int(offset - start), nil
}

// load reads the page containing offset. Pages start at multiples of
// s3PageSize.
func (rac *s3ReadAtCloser) load(offset int64) error {
	startpos := (offset / s3PageSize) * s3PageSize
	output, err := rac.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(rac.bucket),
		Key:    aws.String(rac.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", startpos, startpos+s3PageSize-1)),
	})
	if err != nil {
		if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			return io.EOF
		}
		log.Println("S3 load:", rac.key, offset, err)
		return err
	}
	defer output.Body.Close()
	data, err := ioutil.ReadAll(output.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return io.EOF
	}
	rac.page = data
	rac.offset = startpos
	return nil
}

// Close will close this file.
func (rac *s3ReadAtCloser) Close() error {
	return nil
}
