package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/transform"
)

// BufferQuery is the query parameter naming the buffer on ws endpoints.
const BufferQuery = "buffer"

// WebSocket fetches buffers over a renderer's websocket endpoint. The
// request is the buffer uuid as a text message; the reply is one binary
// message holding a framed buffer_create, or an error frame.
type WebSocket struct {
	Dialer      *websocket.Dialer
	Credentials Credentials
	Limits      frame.Limits
}

func (w *WebSocket) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(u.Query().Get(BufferQuery))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing %q query: %w", transform.ErrMalformedSource, endpoint, BufferQuery, err)
	}

	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if token := w.Credentials.TokenFor(endpoint); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, endpoint)
		}
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(id.String())); err != nil {
		return nil, err
	}
	kind, payload, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: %s: expected binary reply", transform.ErrMalformedSource, endpoint)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return decodeBufferReply(endpoint, id, payload, w.limits())
}

func (w *WebSocket) limits() frame.Limits {
	if w.Limits.MaxPayloadBytes == 0 {
		return frame.DefaultLimits()
	}
	return w.Limits
}

func decodeBufferReply(endpoint string, id uuid.UUID, payload []byte, limits frame.Limits) ([]byte, error) {
	f, err := frame.ReadFrame(bytes.NewReader(payload), limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transform.ErrMalformedSource, endpoint, err)
	}
	if f.Header.Flags&frame.FlagIsError != 0 {
		_, err := protocol.DecodeResponse(f)
		var rej protocol.Reject
		if errors.As(err, &rej) {
			return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, endpoint, rej.Reason)
		}
		return nil, fmt.Errorf("%w: %s: %w", transform.ErrMalformedSource, endpoint, err)
	}
	msg, err := protocol.DecodeFrame(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transform.ErrMalformedSource, endpoint, err)
	}
	bc, ok := msg.Body.(protocol.BufferCreate)
	if !ok || bc.BufferUUID != id {
		return nil, fmt.Errorf("%w: %s: reply is %s, not buffer %s", transform.ErrMalformedSource, endpoint, msg.Command(), id)
	}
	log.Debug().Str("endpoint", endpoint).Str("buffer", id.String()).Int("bytes", len(bc.Data)).Msg("source: fetched buffer")
	return bc.Data, nil
}

// Network routes NetworkSource endpoints to the HTTP or websocket fetcher by
// scheme.
type Network struct {
	HTTP      *HTTP
	WebSocket *WebSocket
}

func (n Network) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	switch scheme := Scheme(endpoint); scheme {
	case "http", "https":
		if n.HTTP == nil {
			break
		}
		return n.HTTP.Fetch(ctx, endpoint)
	case "ws", "wss":
		if n.WebSocket == nil {
			break
		}
		return n.WebSocket.Fetch(ctx, endpoint)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return nil, fmt.Errorf("%w: no fetcher for %s", ErrUnsupportedScheme, endpoint)
}
