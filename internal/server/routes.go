package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/auth"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/source"
	"github.com/vispy/GSP-API/internal/transform"
)

// HeaderProducer names the producer on HTTP session creation.
const HeaderProducer = "X-GSP-Producer"

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": s.cfg.Name,
			"sessions":  s.sessions.Len(),
			"backends":  render.Backends(),
			"version":   Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", auth.Middleware(s.validator))
	v1.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
	})
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.withSession(func(c *gin.Context, id uuid.UUID) {
		sum, _ := s.sessions.Summary(id)
		c.JSON(http.StatusOK, sum)
	}))
	v1.DELETE("/sessions/:id", s.withSession(func(c *gin.Context, id uuid.UUID) {
		s.sessions.Remove(id)
		c.Status(http.StatusNoContent)
	}))
	v1.POST("/sessions/:id/messages", s.withSession(s.appendMessages))
	v1.GET("/sessions/:id/buffers/:buffer", s.withSession(s.getBuffer))
	v1.GET("/sessions/:id/render", s.withSession(s.renderSession))
	v1.GET("/sessions/:id/ws", s.withSession(s.serveWebSocket))
	v1.POST("/render", s.renderOnce)
}

func (s *Server) withSession(h func(*gin.Context, uuid.UUID)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		if _, ok := s.sessions.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
			return
		}
		h(c, id)
	}
}

func readMessages(c *gin.Context) ([]protocol.Message, session.Format, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, "", err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, "", nil
	}
	return session.ReadLog(bytes.NewReader(body))
}

func (s *Server) createSession(c *gin.Context) {
	msgs, format, err := readMessages(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	producer := c.GetHeader(HeaderProducer)
	if producer == "" {
		producer = c.ClientIP()
	}
	sess, err := s.sessions.Open(producer, "http")
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	last, err := s.sessions.Apply(sess.ID(), "http", msgs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"session_id": sess.ID(),
			"last_id":    last,
			"error":      err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID(),
		"last_id":    last,
		"state":      sess.State().String(),
		"format":     format,
		"messages":   len(msgs),
	})
}

func (s *Server) appendMessages(c *gin.Context, id uuid.UUID) {
	msgs, _, err := readMessages(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	last, err := s.sessions.Apply(id, "http", msgs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"last_id": last, "error": err.Error()})
		return
	}
	sess, _ := s.sessions.Get(id)
	status := protocol.StatusAccepted
	if sess.State() == session.StateClosed {
		status = protocol.StatusClosed
	}
	c.JSON(http.StatusOK, protocol.Ack{MessageID: last, Status: status})
}

func (s *Server) getBuffer(c *gin.Context, id uuid.UUID) {
	bufID, err := uuid.Parse(c.Param("buffer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid buffer id"})
		return
	}
	bc, err := s.sessions.Buffer(id, bufID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Header(source.HeaderBufferType, bc.Type.String())
	c.Header(source.HeaderBufferCount, strconv.Itoa(bc.Count))
	c.Data(http.StatusOK, "application/octet-stream", bc.Data)
}

// backendRequest reads ?backend= and passes every other query parameter to
// the backend as an option.
func backendRequest(c *gin.Context) (string, map[string]string) {
	backend := DefaultBackend
	opts := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "backend":
			backend = values[0]
		case auth.TokenQuery:
		default:
			opts[key] = values[0]
		}
	}
	return backend, opts
}

func (s *Server) renderSession(c *gin.Context, id uuid.UUID) {
	sess, _ := s.sessions.Get(id)
	backend, opts := backendRequest(c)
	s.writeRender(c, sess, backend, opts)
}

// renderOnce replays a posted log into a throwaway session and renders it.
func (s *Server) renderOnce(c *gin.Context) {
	msgs, _, err := readMessages(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := session.Replay(msgs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"last_id": sess.LastID(), "error": err.Error()})
		return
	}
	backend, opts := backendRequest(c)
	s.writeRender(c, sess, backend, opts)
}

func (s *Server) writeRender(c *gin.Context, sess *session.Session, backend string, opts map[string]string) {
	out, err := s.Render(c.Request.Context(), sess, backend, opts)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	contentType := "application/octet-stream"
	if backend == DefaultBackend || backend == "network" {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, out)
}

// serveWebSocket answers buffer requests: each text message is a buffer
// uuid and each reply is one binary framed buffer_create or error frame.
func (s *Server) serveWebSocket(c *gin.Context, id uuid.UUID) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("session", id.String()).Msg("server: websocket upgrade failed")
		return
	}
	defer conn.Close()

	var seq uint64
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session", id.String()).Msg("server: websocket read ended")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		seq++
		reply, err := s.bufferReply(id, seq, string(bytes.TrimSpace(msg)))
		if err != nil {
			log.Warn().Err(err).Msg("server: websocket encode reply")
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return
		}
	}
}

func (s *Server) bufferReply(id uuid.UUID, seq uint64, raw string) ([]byte, error) {
	var f frame.Frame
	bufID, err := uuid.Parse(raw)
	if err == nil {
		var bc protocol.BufferCreate
		if bc, err = s.sessions.Buffer(id, bufID); err == nil {
			f, err = protocol.EncodeFrame(protocol.Message{ID: seq, Body: bc})
		}
	}
	if err != nil {
		f = protocol.EncodeReject(protocol.Reject{MessageID: seq, Reason: err.Error()})
	}
	var out bytes.Buffer
	if err := frame.WriteFrame(&out, f, frame.DefaultLimits()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func statusFor(err error) int {
	var perr *session.ProtocolError
	var ierr *render.ItemError
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrBufferNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, render.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.As(err, &perr), errors.As(err, &ierr), errors.Is(err, render.ErrNoCanvas):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transform.ErrSourceUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
