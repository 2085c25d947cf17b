package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// Output format of the sink: signed 16-bit little-endian stereo.
const (
	outputChannels = 2
	bytesPerFrame  = outputChannels * 2
)

// PCMFormat describes interleaved signed little-endian PCM.
type PCMFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameSize returns the number of bytes per frame (one sample per channel).
func (f PCMFormat) FrameSize() int {
	return f.BitDepth / 8 * f.Channels
}

// frameDuration returns the playing time of n bytes of output PCM.
func frameDuration(n int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	frames := n / bytesPerFrame
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// decodeClip decodes a complete clip to output PCM at sampleRate.
func decodeClip(data []byte, mimeType string, sampleRate int) ([]byte, error) {
	switch mimeType {
	case MimeMPEG:
		dec, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unable to decode mp3: %w", err)
		}
		pcm, err := io.ReadAll(dec)
		if err != nil && len(pcm) == 0 {
			return nil, fmt.Errorf("unable to decode mp3: %w", err)
		}
		return resamplePCM(pcm, dec.SampleRate(), sampleRate), nil

	case MimeWAV:
		format, pcm, err := parseWAV(data)
		if err != nil {
			return nil, err
		}
		stereo, err := toStereo16(pcm, format)
		if err != nil {
			return nil, err
		}
		return resamplePCM(stereo, format.SampleRate, sampleRate), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}
}

// parseWAV reads the fmt and data chunks of a RIFF/WAVE file. A data chunk
// whose declared size runs past the end of the file is truncated.
func parseWAV(data []byte) (PCMFormat, []byte, error) {
	var format PCMFormat
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return format, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	haveFormat := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) || end < body {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return format, nil, errors.New("wav fmt chunk too short")
			}
			if tag := binary.LittleEndian.Uint16(data[body:]); tag != 1 {
				return format, nil, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedFormat, tag)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			format.BitDepth = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFormat = true

		case "data":
			if !haveFormat {
				return format, nil, errors.New("wav data chunk before fmt chunk")
			}
			return format, data[body:end], nil
		}

		// Chunks are padded to even sizes.
		off = end + size&1
	}
	return format, nil, errors.New("wav has no data chunk")
}

// toStereo16 converts 8- or 16-bit mono or stereo PCM to 16-bit stereo.
func toStereo16(pcm []byte, format PCMFormat) ([]byte, error) {
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, format.Channels)
	}
	if format.BitDepth != 8 && format.BitDepth != 16 {
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, format.BitDepth)
	}
	if format.Channels == 2 && format.BitDepth == 16 {
		return pcm[:len(pcm)-len(pcm)%4], nil
	}

	frameSize := format.FrameSize()
	frames := len(pcm) / frameSize
	out := make([]byte, frames*bytesPerFrame)
	for i := 0; i < frames; i++ {
		var l, r int16
		in := pcm[i*frameSize:]
		if format.BitDepth == 16 {
			l = int16(binary.LittleEndian.Uint16(in))
			r = l
			if format.Channels == 2 {
				r = int16(binary.LittleEndian.Uint16(in[2:]))
			}
		} else {
			// 8-bit WAV is unsigned.
			l = int16(int(in[0])-128) << 8
			r = l
			if format.Channels == 2 {
				r = int16(int(in[1])-128) << 8
			}
		}
		binary.LittleEndian.PutUint16(out[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(r))
	}
	return out, nil
}

// resamplePCM linearly resamples 16-bit stereo PCM.
func resamplePCM(input []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return input
	}

	inFrames := len(input) / bytesPerFrame
	if inFrames == 0 {
		return nil
	}
	ratio := float64(to) / float64(from)
	outFrames := int(float64(inFrames) * ratio)
	out := make([]byte, outFrames*bytesPerFrame)

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(input[frame*bytesPerFrame+ch*2:])))
	}

	for i := 0; i < outFrames; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for ch := 0; ch < outputChannels; ch++ {
			var v float64
			if idx >= inFrames-1 {
				v = sample(inFrames-1, ch)
			} else {
				v = sample(idx, ch)*(1-frac) + sample(idx+1, ch)*frac
			}
			binary.LittleEndian.PutUint16(out[i*bytesPerFrame+ch*2:], uint16(int16(v)))
		}
	}
	return out
}

// resampleReader resamples a 16-bit stereo stream on the fly. Input is
// converted block by block; the last frame of each block is carried over so
// interpolation is continuous across blocks.
type resampleReader struct {
	src      io.Reader
	from, to int

	in   []byte
	out  []byte
	prev []byte
	pos  float64
	err  error
}

func newResampleReader(src io.Reader, from, to int) io.Reader {
	if from == to || from <= 0 || to <= 0 {
		return src
	}
	return &resampleReader{src: src, from: from, to: to, in: make([]byte, 4096*bytesPerFrame)}
}

func (r *resampleReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *resampleReader) fill() {
	n, err := io.ReadAtLeast(r.src, r.in, bytesPerFrame)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		r.err = err
	}
	n -= n % bytesPerFrame
	if n == 0 {
		return
	}

	block := append(append([]byte(nil), r.prev...), r.in[:n]...)
	frames := len(block) / bytesPerFrame
	step := float64(r.from) / float64(r.to)
	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(block[frame*bytesPerFrame+ch*2:])))
	}

	var out []byte
	var frame [bytesPerFrame]byte
	for ; int(r.pos) < frames-1; r.pos += step {
		idx := int(r.pos)
		frac := r.pos - float64(idx)
		for ch := 0; ch < outputChannels; ch++ {
			v := sample(idx, ch)*(1-frac) + sample(idx+1, ch)*frac
			binary.LittleEndian.PutUint16(frame[ch*2:], uint16(int16(v)))
		}
		out = append(out, frame[:]...)
	}

	// Keep the last frame and rebase the position onto it.
	r.pos -= float64(frames - 1)
	r.prev = append(r.prev[:0], block[(frames-1)*bytesPerFrame:]...)
	r.out = out
}
