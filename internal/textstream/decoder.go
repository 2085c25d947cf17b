// Package textstream turns streamed response bodies into UTF-8 text
// fragments without waiting for the whole body.
package textstream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultReadSize is the read buffer used by NewDecoder.
const DefaultReadSize = 4096

// Decoder yields text fragments as bytes arrive. A multi-byte character
// split across two reads is held back until it is complete; invalid
// sequences become U+FFFD.
type Decoder struct {
	r   io.Reader
	buf []byte
	err error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultReadSize)
}

// NewDecoderSize returns a Decoder with a read buffer of size bytes.
func NewDecoderSize(r io.Reader, size int) *Decoder {
	if size < utf8MaxLen {
		size = utf8MaxLen
	}
	return &Decoder{
		r:   transform.NewReader(r, unicode.UTF8.NewDecoder()),
		buf: make([]byte, size),
	}
}

const utf8MaxLen = 4

// Next returns the next non-empty fragment. At the end of input it returns
// "", io.EOF.
func (d *Decoder) Next() (string, error) {
	for d.err == nil {
		n, err := d.r.Read(d.buf)
		d.err = err
		if n > 0 {
			return string(d.buf[:n]), nil
		}
	}
	return "", d.err
}

// Each calls fn with every fragment in order and returns the full text.
// A read error stops the loop and is returned with whatever was read so far.
func (d *Decoder) Each(fn func(string)) (string, error) {
	var sb strings.Builder
	for {
		frag, err := d.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
		if fn != nil {
			fn(frag)
		}
	}
}

// BodyReader returns resp.Body with any content encoding we asked for
// removed. The caller closes the returned reader, which also closes the
// response body.
func BodyReader(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil

	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close() //nolint:errcheck
			return nil, fmt.Errorf("unable to read gzip body: %w", err)
		}
		return &decodedBody{Reader: zr, closeFn: func() { _ = zr.Close() }, body: resp.Body}, nil

	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close() //nolint:errcheck
			return nil, fmt.Errorf("unable to read zstd body: %w", err)
		}
		return &decodedBody{Reader: zr, closeFn: zr.Close, body: resp.Body}, nil

	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &decodedBody{Reader: fr, closeFn: func() { _ = fr.Close() }, body: resp.Body}, nil

	default:
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// AcceptEncoding is the header value matching what BodyReader can undo.
const AcceptEncoding = "zstd, gzip"

type decodedBody struct {
	io.Reader
	closeFn func()
	body    io.Closer
}

func (b *decodedBody) Close() error {
	b.closeFn()
	return b.body.Close()
}
