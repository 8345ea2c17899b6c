// Package server is the gspd render daemon: an HTTP API over sessions plus a
// framed TCP listener for streaming producers.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/auth"
	"github.com/vispy/GSP-API/internal/config"
	"github.com/vispy/GSP-API/internal/observability"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/source"
	"github.com/vispy/GSP-API/internal/transform"
	"golang.org/x/sync/errgroup"

	// registered render backends
	_ "github.com/vispy/GSP-API/internal/render/jsonexport"
	_ "github.com/vispy/GSP-API/internal/render/netexport"
)

const (
	Version        = "0.1.0"
	DefaultBackend = "json"

	maxBodyBytes = 512 << 20
)

// Server owns the session registry, the transform engine shared by every
// render, and the HTTP and TCP front ends.
type Server struct {
	cfg       config.DaemonConfig
	transport session.Config
	engine    *transform.Engine
	sessions  *Registry
	validator auth.Validator
	router    *gin.Engine
	upgrader  websocket.Upgrader
	started   time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
	renders atomic.Uint64
}

// New builds a daemon from cfg. It does not listen until Run or Serve*.
func New(cfg config.DaemonConfig) *Server {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = config.DefaultDaemonConfig().Name
	}
	observability.RegisterMetrics()

	resolver, network := source.New(cfg.SourceConfig())
	opts := []transform.Option{
		transform.WithResolver(resolver),
		transform.WithFetcher(network),
		transform.WithObserver(observability.EvaluationObserver{Node: cfg.Name}),
	}
	if cfg.CacheCapacity > 0 {
		opts = append(opts, transform.WithCache(cfg.CacheCapacity))
	}

	s := &Server{
		cfg:       cfg,
		transport: cfg.Transport.SessionConfig(),
		engine:    transform.NewEngine(opts...),
		sessions:  NewRegistry(cfg.Name, cfg.MaxSessions),
		started:   time.Now(),
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.Token != "" {
		s.validator = auth.StaticToken{Token: cfg.Token}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{source.HeaderBufferType, source.HeaderBufferCount, observability.HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.registerRoutes(r)
	return r
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	return out
}

// checkOrigin admits same-host websocket clients and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range normalizeOrigins(s.cfg.CorsOrigins) {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return strings.HasSuffix(origin, "://"+r.Host)
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Sessions() *Registry { return s.sessions }

func (s *Server) Engine() *transform.Engine { return s.engine }

// Run serves HTTP and, when configured, TCP until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := config.ValidateDaemonConfig(s.cfg); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if strings.TrimSpace(s.cfg.TCPAddr) != "" {
		ln, err := s.ListenTCP()
		if err != nil {
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.transport.TLS.Enabled).Msg("gspd: tcp listening")
		g.Go(func() error { return s.ServeTCP(ctx, ln) })
	}

	if strings.TrimSpace(s.cfg.HTTPAddr) != "" {
		httpSrv := &http.Server{
			Addr:              s.cfg.HTTPAddr,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", s.cfg.HTTPAddr).Msg("gspd: http listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Render runs backend over the scene of sess and returns its output.
func (s *Server) Render(ctx context.Context, sess *session.Session, backend string, opts map[string]string) ([]byte, error) {
	if backend == "" {
		backend = DefaultBackend
	}
	b, err := render.Open(backend, opts)
	if err != nil {
		return nil, err
	}
	// cached results are shared within one pass only; sources are re-read
	// on every render
	ctx = transform.WithCacheScope(ctx, fmt.Sprintf("%s/%d", sess.ID(), s.renders.Add(1)))
	start := time.Now()
	err = sess.Read(func(sc *scene.Scene) error {
		return render.NewPass(s.engine).Run(ctx, sc, b)
	})
	observability.RecordRenderPass(s.cfg.Name, backend, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := b.WriteTo(&out); err != nil {
		return nil, fmt.Errorf("server: write %s output: %w", backend, err)
	}
	log.Debug().
		Str("session", sess.ID().String()).
		Str("backend", backend).
		Int("bytes", out.Len()).
		Dur("duration", time.Since(start)).
		Msg("server: render complete")
	return out.Bytes(), nil
}
