// Package client streams producer messages to gspd over the framed TCP
// transport.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/config"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/session"
)

var (
	ErrRejected = errors.New("client: session rejected")
	ErrClosed   = errors.New("client: connection closed")
)

// Options configures a producer connection.
type Options struct {
	Addr       string
	ProducerID string
	Token      string
	Transport  session.Config
}

// FromConfig maps a client config file onto Options.
func FromConfig(cfg config.ClientConfig) Options {
	return Options{
		Addr:       cfg.Addr,
		ProducerID: cfg.ProducerID,
		Token:      cfg.Token,
		Transport:  cfg.Transport.SessionConfig(),
	}
}

// Client is one producer stream. Sent messages stay in the outbox until a
// cumulative ack covers them.
type Client struct {
	opts      Options
	conn      net.Conn
	reader    *bufio.Reader
	sessionID uuid.UUID
	outbox    *session.Outbox
	limits    frame.Limits

	mu     sync.Mutex
	acked  uint64
	closed bool
}

// Dial connects and completes the session.open handshake, retrying with
// backoff. A rejected handshake is not retried.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.Transport = opts.Transport.WithDefaults()
	if strings.TrimSpace(opts.ProducerID) == "" {
		return nil, fmt.Errorf("%w: missing producer_id", session.ErrInvalidOpen)
	}
	if err := opts.Transport.ValidateClientTransport(); err != nil {
		return nil, err
	}

	var c *Client
	err := session.Retry(ctx, opts.Transport.Backoff, opts.Transport.MaxAttempts, retryable, func(attempt int) error {
		var err error
		c, err = dialOnce(ctx, opts)
		if err != nil {
			log.Debug().Err(err).Str("addr", opts.Addr).Int("attempt", attempt).Msg("client: dial failed")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("addr", opts.Addr).
		Str("producer", opts.ProducerID).
		Str("session", c.sessionID.String()).
		Msg("client: session opened")
	return c, nil
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRejected),
		errors.Is(err, session.ErrInvalidOpenAck),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func dialOnce(ctx context.Context, opts Options) (*Client, error) {
	dialer := &net.Dialer{Timeout: opts.Transport.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	if opts.Transport.TLS.Enabled {
		tlsCfg, err := opts.Transport.ClientTLSConfig(opts.Addr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		hsCtx, cancel := context.WithTimeout(ctx, opts.Transport.HandshakeTimeout)
		err = tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	_ = conn.SetDeadline(time.Now().Add(opts.Transport.HandshakeTimeout))
	err = session.WriteOpen(conn, session.Open{
		ProducerID: opts.ProducerID,
		Format:     session.FormatFrames,
		Token:      opts.Token,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	reader := bufio.NewReader(conn)
	ack, err := session.ReadOpenAck(reader)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	id, err := uuid.Parse(ack.SessionID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: session_id: %v", session.ErrInvalidOpenAck, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return &Client{
		opts:      opts,
		conn:      conn,
		reader:    reader,
		sessionID: id,
		outbox:    session.NewOutbox(),
		limits:    frame.DefaultLimits(),
	}, nil
}

func (c *Client) SessionID() uuid.UUID { return c.sessionID }

// Acked returns the highest message id the server has acknowledged.
func (c *Client) Acked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// Pending returns sent messages that are not acknowledged yet.
func (c *Client) Pending() []session.PendingMessage {
	return c.outbox.List()
}

// Send writes msgs and waits until the server acks the last one. A rejected
// message comes back as a protocol.Reject error; the server has closed the
// session and the connection is unusable.
func (c *Client) Send(ctx context.Context, msgs ...protocol.Message) (protocol.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Ack{}, ErrClosed
	}
	if len(msgs) == 0 {
		return protocol.Ack{MessageID: c.acked, Status: protocol.StatusAccepted}, nil
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	now := time.Now()
	for _, m := range msgs {
		c.outbox.Upsert(session.PendingMessage{Message: m, QueuedAt: now})
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.Transport.WriteTimeout))
	for _, m := range msgs {
		f, err := protocol.EncodeFrame(m)
		if err != nil {
			return protocol.Ack{}, c.fail(ctx, err)
		}
		err = frame.WriteFrame(c.conn, f, c.limits)
		c.outbox.MarkAttempt(m.ID, time.Now(), c.opts.Transport.AckTimeout, errString(err))
		if err != nil {
			return protocol.Ack{}, c.fail(ctx, err)
		}
	}

	last := msgs[len(msgs)-1].ID
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Ack{}, c.fail(ctx, err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.Transport.AckTimeout))
		f, err := frame.ReadFrame(c.reader, c.limits)
		if err != nil {
			return protocol.Ack{}, c.fail(ctx, err)
		}
		ack, err := protocol.DecodeResponse(f)
		if err != nil {
			return protocol.Ack{}, c.fail(ctx, err)
		}
		if ack.MessageID > c.acked {
			c.acked = ack.MessageID
		}
		c.outbox.AckThrough(ack.MessageID)
		if ack.Status == protocol.StatusClosed {
			c.closed = true
			_ = c.conn.Close()
			return ack, nil
		}
		if ack.MessageID >= last {
			return ack, nil
		}
	}
}

// fail closes the connection; a Reject from the server is returned as is.
func (c *Client) fail(ctx context.Context, err error) error {
	c.closed = true
	_ = c.conn.Close()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// Close ends the connection without closing the server-side session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
