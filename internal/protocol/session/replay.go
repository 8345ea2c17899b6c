package session

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
)

// Format is a message log encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatFrames Format = "frames"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatFrames:
		return f, nil
	case "jsonl", "ndjson":
		return FormatJSON, nil
	case "binary":
		return FormatFrames, nil
	}
	return "", fmt.Errorf("session: unknown log format %q", s)
}

// Replay applies msgs in order to a fresh session. On the first rejection
// it returns the closed session and the error.
func Replay(msgs []protocol.Message) (*Session, error) {
	s := New()
	for _, m := range msgs {
		if err := s.Apply(m); err != nil {
			return s, err
		}
	}
	return s, nil
}

// WriteLog writes msgs in the given format.
func WriteLog(w io.Writer, format Format, msgs []protocol.Message) error {
	switch format {
	case FormatJSON:
		return protocol.EncodeJSON(w, msgs...)
	case FormatFrames:
		return protocol.WriteFrames(w, msgs...)
	}
	return fmt.Errorf("session: unknown log format %q", format)
}

// ReadLog reads a whole log, detecting frames by their magic prefix.
func ReadLog(r io.Reader) ([]protocol.Message, Format, error) {
	br := bufio.NewReader(r)
	format := DetectFormat(br)
	var (
		msgs []protocol.Message
		err  error
	)
	switch format {
	case FormatFrames:
		msgs, err = protocol.ReadFrames(br)
	default:
		msgs, err = protocol.DecodeJSON(br)
	}
	return msgs, format, err
}

// DetectFormat peeks at br without consuming input.
func DetectFormat(br *bufio.Reader) Format {
	head, err := br.Peek(4)
	if err == nil && binary.BigEndian.Uint32(head) == frame.Magic {
		return FormatFrames
	}
	return FormatJSON
}
