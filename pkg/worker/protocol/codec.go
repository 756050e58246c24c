package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxLine bounds one message. State payloads of large problems travel
// base64 encoded inside a single line.
const maxLine = 64 << 20

// Encoder writes one JSON message per line and flushes after each. It is
// not safe for concurrent use.
type Encoder struct {
	bw *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{bw: bufio.NewWriter(w)}
}

// Encode wraps data in a message of type t and writes it. Data that can
// validate itself must pass first.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if v, ok := data.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", t, err)
		}
		msg.Data = raw
	}
	line, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	// bufio keeps the first write error for Flush.
	_, _ = e.bw.Write(line)
	_ = e.bw.WriteByte('\n')
	if err := e.bw.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

// validator is implemented by messages that check their own fields.
type validator interface {
	Validate() error
}

func (e *Encoder) EncodeAssign(m *AssignMessage) error { return e.Encode(MessageTypeAssign, m) }
func (e *Encoder) EncodeHello(m *HelloMessage) error   { return e.Encode(MessageTypeHello, m) }
func (e *Encoder) EncodeData(m *DataMessage) error     { return e.Encode(MessageTypeData, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error     { return e.Encode(MessageTypeExit, m) }

// Decoder reads the lines an Encoder writes.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{sc: sc}
}

// Decode returns the next message, or io.EOF once the stream ends cleanly.
func (d *Decoder) Decode() (*Message, error) {
	if !d.sc.Scan() {
		if err := d.sc.Err(); err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		return nil, io.EOF
	}
	line := d.sc.Bytes()
	if len(line) == 0 {
		return nil, errors.New("read message: empty line")
	}
	msg := &Message{}
	if err := json.Unmarshal(line, msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeAssign reads a message that must be a valid ASSIGN.
func (d *Decoder) DecodeAssign() (*AssignMessage, error) {
	m := &AssignMessage{}
	if err := d.expect(MessageTypeAssign, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeHello reads the opening message of a peer link.
func (d *Decoder) DecodeHello() (*HelloMessage, error) {
	m := &HelloMessage{}
	if err := d.expect(MessageTypeHello, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Decoder) expect(t MessageType, v validator) error {
	msg, err := d.Decode()
	if err != nil {
		return err
	}
	if msg.Type != t {
		return fmt.Errorf("expected %s, got %s", t, msg.Type)
	}
	if err := ParseParams(msg.Data, v); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %w", t, err)
	}
	return nil
}

// ParseParams decodes the data of a message into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
