package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeOpen    = "session.open"
	controlTypeOpenAck = "session.open.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 64 * 1024
)

var (
	ErrInvalidOpen            = errors.New("session: invalid session.open")
	ErrInvalidOpenAck         = errors.New("session: invalid session.open.ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Open is the producer->renderer handshake sent before the first frame.
type Open struct {
	ProducerID string `json:"producer_id"`
	Format     Format `json:"format"`
	Token      string `json:"token,omitempty"`
}

func (o Open) Validate() error {
	if strings.TrimSpace(o.ProducerID) == "" {
		return fmt.Errorf("%w: missing producer_id", ErrInvalidOpen)
	}
	if o.Format != FormatFrames {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidOpen, o.Format)
	}
	return nil
}

// OpenAck is the renderer's answer. SessionID is set when accepted.
type OpenAck struct {
	Status      string `json:"status"`
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a OpenAck) Validate() error {
	switch strings.TrimSpace(a.Status) {
	case AckStatusAccepted:
		if strings.TrimSpace(a.SessionID) == "" {
			return fmt.Errorf("%w: accepted without session_id", ErrInvalidOpenAck)
		}
	case AckStatusRejected:
	default:
		return fmt.Errorf("%w: invalid status", ErrInvalidOpenAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidOpenAck)
	}
	return nil
}

type controlEnvelope struct {
	Type string   `json:"type"`
	Open *Open    `json:"open,omitempty"`
	Ack  *OpenAck `json:"open_ack,omitempty"`
}

func WriteOpen(w io.Writer, o Open) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeOpen, Open: &o})
}

func ReadOpen(r *bufio.Reader) (Open, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Open{}, err
	}
	if env.Type != controlTypeOpen || env.Open == nil {
		return Open{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidOpen, env.Type)
	}
	if err := env.Open.Validate(); err != nil {
		return Open{}, err
	}
	return *env.Open, nil
}

func WriteOpenAck(w io.Writer, ack OpenAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeOpenAck, Ack: &ack})
}

func ReadOpenAck(r *bufio.Reader) (OpenAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return OpenAck{}, err
	}
	if env.Type != controlTypeOpenAck || env.Ack == nil {
		return OpenAck{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidOpenAck, env.Type)
	}
	if err := env.Ack.Validate(); err != nil {
		return OpenAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = w.Write(append(payload, '\n'))
	return err
}

// readControlEnvelope reads one line, refusing to buffer more than
// maxControlLine bytes.
func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return controlEnvelope{}, err
		}
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
