package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type jsonHeader struct {
	MessageID   *uint64 `json:"message_id"`
	CommandName Command `json:"command_name"`
}

// MarshalJSON writes one flat object: message_id, command_name, then the
// body fields.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("%w: message %d has no body", ErrInvalidMessage, m.ID)
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s body is not an object", ErrInvalidMessage, m.Body.Command())
	}
	cmd, err := json.Marshal(m.Body.Command())
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(body) + 64)
	out.WriteString(`{"message_id":`)
	out.WriteString(strconv.FormatUint(m.ID, 10))
	out.WriteString(`,"command_name":`)
	out.Write(cmd)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 1 {
		out.WriteByte(',')
		out.Write(rest)
	} else {
		out.WriteByte('}')
	}
	return out.Bytes(), nil
}

// UnmarshalJSON reads the header keys, then decodes the body registered for
// command_name from the same object.
func (m *Message) UnmarshalJSON(data []byte) error {
	var h jsonHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if h.MessageID == nil {
		return fmt.Errorf("%w: missing message_id", ErrInvalidMessage)
	}
	if h.CommandName == "" {
		return fmt.Errorf("%w: missing command_name", ErrInvalidMessage)
	}
	body, err := newBody(h.CommandName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, h.CommandName, err)
	}
	m.ID = *h.MessageID
	m.Body = deref(body)
	return nil
}

// deref turns the pointer made by newBody back into a value so bodies
// compare and switch the same whichever codec produced them.
func deref(b Body) Body {
	switch v := b.(type) {
	case *CanvasCreate:
		return *v
	case *CanvasSetSize:
		return *v
	case *CanvasSetDPI:
		return *v
	case *ViewportCreate:
		return *v
	case *ViewportSetPosition:
		return *v
	case *ViewportSetSize:
		return *v
	case *BufferCreate:
		return *v
	case *TransformCreate:
		return *v
	case *CameraCreate:
		return *v
	case *CameraSetMatrices:
		return *v
	case *VisualCreate:
		return *v
	case *VisualSetAttributes:
		return *v
	case *RenderItemAdd:
		return *v
	case *SessionClose:
		return *v
	}
	return b
}

// EncodeJSON writes messages as JSON lines.
func EncodeJSON(w io.Writer, msgs ...Message) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("message %d: %w", m.ID, err)
		}
	}
	return nil
}

// JSONDecoder reads JSON lines one message at a time. Blank lines are
// skipped.
type JSONDecoder struct {
	sc   *bufio.Scanner
	line int
}

// maxJSONLine bounds a single message line; base64 buffer payloads dominate.
const maxJSONLine = 512 * 1024 * 1024

func NewJSONDecoder(r io.Reader) *JSONDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLine)
	return &JSONDecoder{sc: sc}
}

// Next returns the next message, or io.EOF after the last one.
func (d *JSONDecoder) Next() (Message, error) {
	for d.sc.Scan() {
		d.line++
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return Message{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return m, nil
	}
	if err := d.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// DecodeJSON reads every message from r.
func DecodeJSON(r io.Reader) ([]Message, error) {
	dec := NewJSONDecoder(r)
	var out []Message
	for {
		m, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}
