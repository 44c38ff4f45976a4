// Package framing implements the two wire codecs used between trackers and
// peers: newline-delimited JSON for control traffic and 4-byte length-prefixed
// frames for video.
package framing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// Delimiter terminates every control message.
	Delimiter = '\n'

	// DefaultMaxLineBytes bounds a single control message.
	DefaultMaxLineBytes = 1 << 20

	TypePing = "ping"
	TypePong = "pong"
	TypeBye  = "bye"
)

var ErrLineTooLong = errors.New("framing: line exceeds maximum size")

// Envelope holds the fields every control message shares.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// LineReader splits a byte stream into newline-terminated messages. Partial
// reads are buffered until the delimiter arrives and several messages arriving
// in one read are returned one at a time.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, maxBytes int) *LineReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, 4096), max: maxBytes}
}

// ReadLine returns the next message without its delimiter. Blank lines are
// skipped. A trailing message without delimiter is returned before io.EOF.
// When a message exceeds the limit it is discarded up to the next delimiter
// and ErrLineTooLong is returned, so the caller may keep reading.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		line, err := lr.readRaw()
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (lr *LineReader) readRaw() ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := lr.r.ReadSlice(Delimiter)
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > lr.max+1 {
				tooLong = true
				buf = nil
			}
		}
		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return buf, err
		}
	}
}

// ReadJSON reads the next message and decodes it into v.
func (lr *LineReader) ReadJSON(v any) error {
	line, err := lr.ReadLine()
	if err != nil {
		return err
	}
	return DecodeLine(line, v)
}

// DecodeLine decodes one message already split off the stream.
func DecodeLine(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode line: %w", err)
	}
	return nil
}

// Encode marshals v and appends the delimiter.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode line: %w", err)
	}
	return append(data, Delimiter), nil
}

// WriteJSON writes v as a single delimited message.
func WriteJSON(w io.Writer, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// PeekEnvelope decodes only the shared fields of a message.
func PeekEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
