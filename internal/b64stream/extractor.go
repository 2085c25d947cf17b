// Package b64stream pulls a base64 string field out of a JSON document
// that is still arriving, decoding it into bytes as soon as whole base64
// groups are available.
package b64stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/charmbracelet/log"

	"github.com/digital-farmer-service/bharat-vistaar/internal/textstream"
)

var (
	// ErrNoAudio is returned by Finish when no bytes could be decoded.
	ErrNoAudio = errors.New("no decodable data in field")

	// ErrScanLimit is returned by Finish when the field start was not found
	// within MaxScanBytes and the whole-document fallback was abandoned.
	ErrScanLimit = errors.New("field not found within scan limit")
)

// DefaultMaxScanBytes bounds the text kept while looking for the field.
const DefaultMaxScanBytes = 32 << 20

// scanTail is how much text is kept for token matching once the scan
// buffer has overflowed.
const scanTail = 256

// Extractor holds the decode state for one field of one streamed document.
// It is not safe for concurrent use.
type Extractor struct {
	token string
	field string
	sink  func([]byte)

	// MaxScanBytes bounds the text buffered before the field starts.
	MaxScanBytes int

	raw        strings.Builder // text seen before the field start
	overflowed bool

	started bool
	done    bool
	escaped bool // previous value character was a backslash

	// quotePending is set when an unescaped quote was seen but the next
	// significant character has not arrived yet.
	quotePending bool

	b64     strings.Builder // undecoded base64 text
	out     bytes.Buffer    // every emitted chunk, concatenated
	emitted int64
}

// New returns an Extractor for the named field. sink, if non-nil, receives
// each decoded chunk as soon as it is decoded; the slice is not reused.
func New(field string, sink func([]byte)) *Extractor {
	return &Extractor{
		token:        `"` + field + `"`,
		field:        field,
		sink:         sink,
		MaxScanBytes: DefaultMaxScanBytes,
	}
}

// Started reports whether the field's opening quote has been seen.
func (x *Extractor) Started() bool { return x.started }

// Done reports whether the field's closing quote has been seen.
func (x *Extractor) Done() bool { return x.done }

// Emitted returns the number of decoded bytes handed to the sink so far.
func (x *Extractor) Emitted() int64 { return x.emitted }

// Write feeds the next text fragment. It returns true once the field has
// been closed; later calls are no-ops.
func (x *Extractor) Write(frag string) bool {
	if x.done {
		return true
	}

	if !x.started {
		rest, ok := x.scan(frag)
		if !ok {
			return false
		}
		frag = rest
	}

	x.consume(frag)
	if x.done {
		x.flush(true)
	} else {
		x.flush(false)
	}
	return x.done
}

// scan appends frag to the raw buffer and looks for the field start. On
// success it returns the text following the opening quote.
func (x *Extractor) scan(frag string) (string, bool) {
	x.raw.WriteString(frag)
	s := x.raw.String()

	from := 0
	for {
		i := strings.Index(s[from:], x.token)
		if i < 0 {
			break
		}
		i += from
		rest, state := valueStart(s[i+len(x.token):])
		switch state {
		case startFound:
			x.started = true
			x.raw.Reset()
			log.Debug("Located streamed field", "field", x.field)
			return rest, true
		case startIncomplete:
			// Wait for more input before deciding.
			x.trimRaw(i)
			return "", false
		}
		from = i + 1
	}

	if x.overflowed || (x.MaxScanBytes > 0 && x.raw.Len() > x.MaxScanBytes) {
		if !x.overflowed {
			log.Warn("Field not found within scan limit; whole-document fallback disabled",
				"field", x.field, "limit", x.MaxScanBytes)
		}
		x.overflowed = true
		x.trimRaw(len(s) - scanTail)
	}
	return "", false
}

// trimRaw drops raw text before index i once the buffer has overflowed.
func (x *Extractor) trimRaw(i int) {
	if !x.overflowed || i <= 0 {
		return
	}
	s := x.raw.String()
	x.raw.Reset()
	x.raw.WriteString(s[i:])
}

type startState int

const (
	startNone startState = iota
	startIncomplete
	startFound
)

// valueStart inspects the text after a field-name token. The value starts
// after optional whitespace, a colon, optional whitespace and a quote.
func valueStart(s string) (string, startState) {
	s = strings.TrimLeft(s, " \t\r\n")
	if s == "" {
		return "", startIncomplete
	}
	if s[0] != ':' {
		return "", startNone
	}
	s = strings.TrimLeft(s[1:], " \t\r\n")
	if s == "" {
		return "", startIncomplete
	}
	if s[0] != '"' {
		return "", startNone
	}
	return s[1:], startFound
}

// consume appends value characters to the base64 buffer up to the
// confirmed closing quote.
func (x *Extractor) consume(s string) {
	for i := 0; i < len(s) && !x.done; i++ {
		c := s[i]

		if x.quotePending {
			switch c {
			case ' ', '\t', '\r', '\n':
				continue
			case ',', '}', ']':
				x.done = true
				return
			}
			// Not a terminator: the quote was stray.
			log.Debug("Ignoring stray quote inside streamed field", "field", x.field)
			x.quotePending = false
		}

		if x.escaped {
			x.escaped = false
			if c == '/' {
				x.b64.WriteByte('/')
			}
			continue
		}

		switch c {
		case '\\':
			x.escaped = true
		case '"':
			x.quotePending = true
		case ' ', '\t', '\r', '\n':
			// Not part of the base64 alphabet.
		default:
			x.b64.WriteByte(c)
		}
	}
}

// flush decodes buffered base64. Unless final, only a 4-aligned prefix is
// decoded and the remainder is kept for the next fragment.
func (x *Extractor) flush(final bool) {
	s := x.b64.String()
	n := len(s)
	if !final {
		n -= n % 4
	}
	if n == 0 {
		return
	}

	chunk := s[:n]
	x.b64.Reset()
	x.b64.WriteString(s[n:])

	var (
		b   []byte
		err error
	)
	if n%4 == 0 {
		b, err = base64.StdEncoding.DecodeString(chunk)
	} else {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(chunk, "="))
	}
	if err != nil {
		log.Warn("Skipping undecodable base64 segment",
			"field", x.field, "chars", n, "final", final, "err", err)
		return
	}
	x.emit(b)
}

func (x *Extractor) emit(b []byte) {
	if len(b) == 0 {
		return
	}
	x.out.Write(b)
	x.emitted += int64(len(b))
	if x.sink != nil {
		x.sink(b)
	}
}

// Finish ends the input. A field that was started but never closed is
// decoded from whatever arrived. A field that never started is looked up
// by parsing all buffered text as one JSON document. The concatenation of
// every emitted chunk is returned.
func (x *Extractor) Finish() ([]byte, error) {
	switch {
	case x.started && !x.done:
		if !x.quotePending {
			log.Debug("Stream ended inside field; decoding what arrived", "field", x.field)
		}
		x.done = true
		x.flush(true)

	case !x.started:
		if x.overflowed {
			return nil, ErrScanLimit
		}
		x.fallback()
	}

	if x.out.Len() == 0 {
		return nil, ErrNoAudio
	}
	return x.out.Bytes(), nil
}

// fallback reads the field from a fully buffered document, checking the
// top level first and then a nested "data" object.
func (x *Extractor) fallback() {
	doc := []byte(x.raw.String())
	x.raw.Reset()

	val, err := jsonparser.GetString(doc, x.field)
	if err != nil {
		val, err = jsonparser.GetString(doc, "data", x.field)
	}
	if err != nil || val == "" {
		log.Debug("Field absent from buffered document", "field", x.field, "err", err)
		return
	}

	x.started = true
	x.consume(val)
	x.done = true
	x.flush(true)
}

// Extract drives an Extractor over r until the field closes or r is
// exhausted. A read error after some bytes were decoded is logged and the
// partial result returned.
func Extract(ctx context.Context, r io.Reader, field string, sink func([]byte)) ([]byte, error) {
	x := New(field, sink)
	dec := textstream.NewDecoder(r)

	for !x.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frag, err := dec.Next()
		if frag != "" {
			x.Write(frag)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if x.Emitted() > 0 {
				log.Warn("Stream interrupted; keeping partial audio", "bytes", x.Emitted(), "err", err)
				break
			}
			return nil, err
		}
	}

	return x.Finish()
}
