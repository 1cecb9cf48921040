package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxLineSize bounds a single frame.
const DefaultMaxLineSize = 64 * 1024

// FrameError reports a line that could not be turned into a message. It
// never ends the stream: the next Decode call continues with the next line.
type FrameError struct {
	Line []byte
	Err  error
}

func (e *FrameError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120]
	}
	return fmt.Sprintf("malformed frame %q: %v", line, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Decoder reads newline delimited JSON-RPC messages. Bytes of an unfinished
// line stay buffered until the rest arrives.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
	line    []byte
}

func NewDecoder(r io.Reader, maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Decoder{
		r:       bufio.NewReaderSize(r, 4096),
		maxLine: maxLine,
	}
}

// Decode returns the next message. A *FrameError means the offending line was
// skipped and decoding may go on; any other error comes from the underlying
// reader. A partial line left at EOF is dropped.
func (d *Decoder) Decode() (*Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, perr := parseMessage(line)
		if perr != nil {
			return nil, &FrameError{Line: append([]byte(nil), line...), Err: perr}
		}
		return msg, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	oversized := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !oversized {
			d.line = append(d.line, chunk...)
			if len(d.line) > d.maxLine+1 {
				oversized = true
			}
		}
		switch err {
		case nil:
			if oversized {
				head := d.line
				if len(head) > 64 {
					head = head[:64]
				}
				return nil, &FrameError{
					Line: append([]byte(nil), head...),
					Err:  fmt.Errorf("line exceeds %d bytes", d.maxLine),
				}
			}
			return d.line, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// Encoder writes one message per line. Each frame goes out in a single Write
// so concurrent encoders on the same writer never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(m *Message) error {
	frame, err := Marshal(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(frame)
	return err
}

// Marshal returns the frame for m including the trailing newline.
// encoding/json escapes control characters, so the newline is the only one.
func Marshal(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
