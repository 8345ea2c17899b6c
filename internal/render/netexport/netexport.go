// Package netexport is the "network" render backend. It ships the resolved
// scene to a remote gspd as a binary message log and keeps the remote
// render result.
package netexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

const Name = "network"

// ContentTypeFrames marks a binary frame log body.
const ContentTypeFrames = "application/x-gsp-frames"

var (
	ErrMissingURL  = errors.New("netexport: url option is required")
	ErrRemote      = errors.New("netexport: remote render failed")
	ErrNotFinished = errors.New("netexport: pass not finished")
)

func init() {
	render.Register(Name, func(opts map[string]string) (render.Backend, error) {
		return New(opts)
	})
}

// Backend rebuilds a self-contained message log from resolved items, so the
// remote side needs no access to the original data sources.
type Backend struct {
	endpoint string
	token    string
	client   *http.Client

	producer  *session.Producer
	viewports map[uuid.UUID]struct{}
	cameras   map[uuid.UUID]struct{}
	result    []byte
	done      bool
}

// New reads the options "url" (gspd base URL), "remote_backend" (default
// json), "token" and "timeout" (a Go duration).
func New(opts map[string]string) (*Backend, error) {
	base := strings.TrimRight(opts["url"], "/")
	if base == "" {
		return nil, ErrMissingURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("netexport: url: %w", err)
	}
	remote := opts["remote_backend"]
	if remote == "" {
		remote = "json"
	}
	timeout := 30 * time.Second
	if raw := opts["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("netexport: timeout: %w", err)
		}
		timeout = d
	}
	return &Backend{
		endpoint: base + "/v1/render?backend=" + url.QueryEscape(remote),
		token:    opts["token"],
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Begin(canvas scene.Canvas) error {
	b.producer = session.NewProducer()
	b.viewports = make(map[uuid.UUID]struct{})
	b.cameras = make(map[uuid.UUID]struct{})
	b.result = nil
	b.done = false
	b.producer.Emit(protocol.CanvasCreate{
		CanvasUUID: canvas.UUID, Width: canvas.Width, Height: canvas.Height, DPI: canvas.DPI,
	})
	return nil
}

func (b *Backend) DrawItem(_ context.Context, it render.ResolvedItem) error {
	p := b.producer
	vp := it.Viewport
	if _, ok := b.viewports[vp.UUID]; !ok {
		p.Emit(protocol.ViewportCreate{
			ViewportUUID: vp.UUID, CanvasUUID: vp.CanvasUUID,
			X: vp.X, Y: vp.Y, Width: vp.Width, Height: vp.Height,
		})
		b.viewports[vp.UUID] = struct{}{}
	}

	view, err := b.envSlot(it.Env, transform.FieldCameraView)
	if err != nil {
		return err
	}
	projection, err := b.envSlot(it.Env, transform.FieldCameraProjection)
	if err != nil {
		return err
	}
	model, err := b.envSlot(it.Env, transform.FieldModel)
	if err != nil {
		return err
	}
	if _, ok := b.cameras[it.CameraUUID]; !ok {
		p.Emit(protocol.CameraCreate{CameraUUID: it.CameraUUID, View: view, Projection: projection})
		b.cameras[it.CameraUUID] = struct{}{}
	}

	attrs := make(map[string]protocol.SlotRef, len(it.Attributes))
	for _, name := range it.AttributeNames() {
		ref, err := b.slot(it.Attributes[name])
		if err != nil {
			return err
		}
		attrs[name] = ref
	}
	// the same visual can be drawn in several viewports with different
	// resolved attributes, so each item gets its own visual
	visual := uuid.New()
	p.Emit(protocol.VisualCreate{VisualUUID: visual, Kind: it.Kind, Attributes: attrs, Properties: it.Properties})
	p.Emit(protocol.RenderItemAdd{ViewportUUID: vp.UUID, VisualUUID: visual, CameraUUID: it.CameraUUID, Model: model})
	return nil
}

func (b *Backend) envSlot(env transform.Env, field string) (protocol.SlotRef, error) {
	buf, ok := env.Lookup(field)
	if !ok {
		return protocol.SlotRef{}, fmt.Errorf("%w: %s", transform.ErrUnknownField, field)
	}
	return b.slot(buf)
}

func (b *Backend) slot(buf *buffer.Buffer) (protocol.SlotRef, error) {
	_, ref, err := b.producer.Slot(transbuf.FromBuffer(buf))
	return ref, err
}

// Messages returns the log built so far.
func (b *Backend) Messages() []protocol.Message {
	if b.producer == nil {
		return nil
	}
	return b.producer.Log()
}

// End posts the log and stores the remote response.
func (b *Backend) End() error {
	var body bytes.Buffer
	if err := session.WriteLog(&body, session.FormatFrames, b.producer.Log()); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, b.endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentTypeFrames)
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemote, err)
	}
	defer resp.Body.Close()
	result, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemote, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, bytes.TrimSpace(result))
	}
	log.Debug().
		Str("endpoint", b.endpoint).
		Int("messages", len(b.producer.Log())).
		Dur("duration", time.Since(start)).
		Msg("netexport: remote render complete")
	b.result = result
	b.done = true
	return nil
}

func (b *Backend) WriteTo(w io.Writer) (int64, error) {
	if !b.done {
		return 0, ErrNotFinished
	}
	n, err := w.Write(b.result)
	return int64(n), err
}
