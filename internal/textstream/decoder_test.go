package textstream

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// chunkReader returns the given byte slices one per Read call.
type chunkReader struct {
	chunks [][]byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func TestDecoderCarriesSplitRunes(t *testing.T) {
	text := "नमस्ते किसान 🌾 weather"
	raw := []byte(text)

	tests := []struct {
		name string
		r    io.Reader
	}{
		{"one byte at a time", iotest.OneByteReader(bytes.NewReader(raw))},
		{"split inside rune", &chunkReader{chunks: [][]byte{raw[:1], raw[1:5], raw[5:]}}},
		{"whole", bytes.NewReader(raw)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frags []string
			got, err := NewDecoder(tt.r).Each(func(s string) { frags = append(frags, s) })
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != text {
				t.Errorf("got %q, want %q", got, text)
			}
			for _, f := range frags {
				if strings.ContainsRune(f, '�') {
					t.Errorf("fragment %q contains a replacement character", f)
				}
			}
			if strings.Join(frags, "") != text {
				t.Error("fragments do not join to the full text")
			}
		})
	}
}

func TestDecoderPreservesFragmentOrder(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{[]byte("It "), []byte("will "), []byte("rain.")}}
	var frags []string
	got, err := NewDecoder(r).Each(func(s string) { frags = append(frags, s) })
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"It ", "will ", "rain."}
	if len(frags) != len(want) {
		t.Fatalf("got %d fragments %q, want %d", len(frags), frags, len(want))
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Errorf("fragment %d = %q, want %q", i, frags[i], want[i])
		}
	}
	if got != "It will rain." {
		t.Errorf("aggregate = %q", got)
	}
}

func TestDecoderReturnsReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(io.ErrUnexpectedEOF))
	got, err := NewDecoder(r).Each(nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got != "partial" {
		t.Errorf("expected text read before the error, got %q", got)
	}
}

func TestBodyReaderEncodings(t *testing.T) {
	const body = `{"response":"hello"}`

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(body))
	_ = gw.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	zs := enc.EncodeAll([]byte(body), nil)
	_ = enc.Close()

	tests := []struct {
		encoding string
		payload  []byte
		wantErr  bool
	}{
		{"", []byte(body), false},
		{"identity", []byte(body), false},
		{"gzip", gz.Bytes(), false},
		{"zstd", zs, false},
		{"br", []byte(body), true},
	}

	for _, tt := range tests {
		t.Run("encoding="+tt.encoding, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{},
				Body:   io.NopCloser(bytes.NewReader(tt.payload)),
			}
			if tt.encoding != "" {
				resp.Header.Set("Content-Encoding", tt.encoding)
			}

			rc, err := BodyReader(resp)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer rc.Close() //nolint:errcheck

			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != body {
				t.Errorf("got %q, want %q", got, body)
			}
		})
	}
}
