package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/session"
)

// ErrIdentityMismatch rejects a producer whose id differs from its client
// certificate identity.
var ErrIdentityMismatch = errors.New("server: producer identity does not match peer certificate")

// peerAuth is the transport-authenticated identity of a connection.
type peerAuth struct {
	Identity      string
	Authenticated bool
}

// ListenTCP opens the producer listener, wrapped in TLS when enabled.
func (s *Server) ListenTCP() (net.Listener, error) {
	if err := s.transport.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.transport.TLS.Enabled {
		return net.Listen("tcp", s.cfg.TCPAddr)
	}
	tlsCfg, err := s.transport.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.TCPAddr, tlsCfg)
}

// ServeTCP accepts producer connections on ln until ctx ends.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// handleConn runs one producer stream: handshake, then frames until the
// producer closes the session or a message is rejected.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	log.Debug().Str("remote", remote).Int64("active_conns", active).Msg("server: producer connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_conns", remaining).Msg("server: producer disconnected")
	}()

	peer, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("server: transport auth failed")
		return
	}
	reader := bufio.NewReader(conn)
	sess, ok := s.handshake(conn, reader, peer)
	if !ok {
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("server: clear deadline")
	}

	limits := frame.DefaultLimits()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.transport.ReadTimeout))
		fr, err := frame.ReadFrame(reader, limits)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("session", sess.ID().String()).Msg("server: read frame")
			}
			return
		}
		msg, err := protocol.DecodeFrame(fr)
		if err != nil {
			s.writeResponse(conn, protocol.EncodeReject(protocol.Reject{MessageID: fr.Header.MessageID, Reason: err.Error()}), limits)
			return
		}
		last, err := s.sessions.Apply(sess.ID(), "tcp", []protocol.Message{msg})
		if err != nil {
			s.writeResponse(conn, protocol.EncodeReject(protocol.Reject{MessageID: msg.ID, Reason: err.Error()}), limits)
			return
		}
		status := protocol.StatusAccepted
		if sess.State() == session.StateClosed {
			status = protocol.StatusClosed
		}
		if !s.writeResponse(conn, protocol.EncodeAck(protocol.Ack{MessageID: last, Status: status}), limits) {
			return
		}
		if status == protocol.StatusClosed {
			log.Info().Str("session", sess.ID().String()).Uint64("last_id", last).Msg("server: session closed by producer")
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, f frame.Frame, limits frame.Limits) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.transport.WriteTimeout))
	if err := frame.WriteFrame(conn, f, limits); err != nil {
		log.Warn().Err(err).Msg("server: write response")
		return false
	}
	return true
}

// handshake reads session.open and answers it. It returns the new session
// when the producer was accepted.
func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, peer peerAuth) (*session.Session, bool) {
	_ = conn.SetDeadline(time.Now().Add(s.transport.HandshakeTimeout))
	reject := func(reason string) {
		_ = session.WriteOpenAck(conn, session.OpenAck{
			Status:      session.AckStatusRejected,
			Message:     reason,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
	}

	open, err := session.ReadOpen(reader)
	if err != nil {
		log.Warn().Err(err).Msg("server: invalid session.open")
		reject("invalid session.open")
		return nil, false
	}
	if s.validator != nil {
		if err := s.validator.Validate(open.Token); err != nil {
			log.Warn().Str("producer", open.ProducerID).Msg("server: producer token rejected")
			reject("unauthorized")
			return nil, false
		}
	}
	if peer.Authenticated && peer.Identity != open.ProducerID {
		log.Warn().
			Str("producer", open.ProducerID).
			Str("peer_identity", peer.Identity).
			Msg("server: identity binding failure")
		reject(ErrIdentityMismatch.Error())
		return nil, false
	}
	sess, err := s.sessions.Open(open.ProducerID, "tcp")
	if err != nil {
		reject(err.Error())
		return nil, false
	}
	err = session.WriteOpenAck(conn, session.OpenAck{
		Status:      session.AckStatusAccepted,
		SessionID:   sess.ID().String(),
		TimestampMS: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		log.Warn().Err(err).Msg("server: write session.open.ack")
		return nil, false
	}
	return sess, true
}

// authenticateConn completes the TLS handshake and extracts the client
// certificate identity when one was presented.
func (s *Server) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.transport.SecurityMode)
	if !s.transport.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, fmt.Errorf("server: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.transport.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()
	needPeer := s.transport.TLS.Mutual || mode == session.SecurityModeProduction
	if len(state.PeerCertificates) == 0 {
		if needPeer {
			return peerAuth{}, session.ErrMTLSRequired
		}
		return peerAuth{}, nil
	}
	id := peerIdentity(state.PeerCertificates[0])
	if id == "" {
		return peerAuth{}, fmt.Errorf("server: empty peer identity from certificate")
	}
	return peerAuth{Identity: id, Authenticated: true}, nil
}

// peerIdentity prefers the common name, then the first URI or DNS SAN.
func peerIdentity(cert *x509.Certificate) string {
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		return strings.TrimSpace(cert.URIs[0].String())
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
