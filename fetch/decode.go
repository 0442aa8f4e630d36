package fetch

import (
	"compress/gzip"
	"io"

	"github.com/cznic/zappy"
	"github.com/pkg/errors"
)

// Encoded formats. Any other format name is taken to be the content itself.
const (
	FormatRaw   = "raw"
	FormatGzip  = "gz"
	FormatZappy = "zappy"
)

// Encoded reports whether a format name is a transfer encoding rather than
// the content itself.
func Encoded(format string) bool {
	return format == FormatGzip || format == FormatZappy
}

// Decode copies the raw content of a fetched representation in the given
// format from in to out.
func Decode(format string, in io.Reader, out io.Writer) error {
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return errors.Wrap(err, "decode gz")
		}
		defer gz.Close()
		_, err = io.Copy(out, gz)
		return errors.Wrap(err, "decode gz")
	case FormatZappy:
		// zappy is a block format, so the whole input is needed
		src, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		dst, err := zappy.Decode(nil, src)
		if err != nil {
			return errors.Wrap(err, "decode zappy")
		}
		_, err = out.Write(dst)
		return err
	default:
		_, err := io.Copy(out, in)
		return err
	}
}

// Encode is the inverse of Decode. It is used when publishing a catalog.
func Encode(format string, in io.Reader, out io.Writer) error {
	switch format {
	case FormatGzip:
		gz := gzip.NewWriter(out)
		if _, err := io.Copy(gz, in); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	case FormatZappy:
		src, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		dst, err := zappy.Encode(nil, src)
		if err != nil {
			return errors.Wrap(err, "encode zappy")
		}
		_, err = out.Write(dst)
		return err
	default:
		_, err := io.Copy(out, in)
		return err
	}
}
