package render

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
	"golang.org/x/sync/errgroup"
)

// ItemError reports which render item and slot failed to resolve.
type ItemError struct {
	Index     int
	Visual    uuid.UUID
	Attribute string
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("render item %d (visual %s) %s: %v", e.Index, e.Visual, e.Attribute, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Pass resolves render items with an engine. Items resolve concurrently but
// are always delivered to backends in scene order.
type Pass struct {
	Engine *transform.Engine
	// Concurrency caps items resolved at once; zero means GOMAXPROCS.
	Concurrency int
}

// NewPass returns a pass over eng, or over a fresh uncached engine when eng
// is nil.
func NewPass(eng *transform.Engine) *Pass {
	if eng == nil {
		eng = transform.NewEngine()
	}
	return &Pass{Engine: eng}
}

// Resolve evaluates every slot of every render item in sc.
func (p *Pass) Resolve(ctx context.Context, sc *scene.Scene) ([]ResolvedItem, error) {
	canvas := sc.Canvas()
	if canvas == nil {
		return nil, ErrNoCanvas
	}
	eng := p.Engine
	if eng == nil {
		eng = transform.NewEngine()
	}
	items := sc.RenderItems()
	out := make([]ResolvedItem, len(items))

	g, ctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			resolved, err := resolveItem(ctx, eng, sc, *canvas, i, item)
			if err != nil {
				return err
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Run resolves sc and draws it on each backend.
func (p *Pass) Run(ctx context.Context, sc *scene.Scene, backends ...Backend) error {
	items, err := p.Resolve(ctx, sc)
	if err != nil {
		return err
	}
	canvas := *sc.Canvas()
	for _, b := range backends {
		if err := b.Begin(canvas); err != nil {
			return fmt.Errorf("%s: begin: %w", b.Name(), err)
		}
		for _, item := range items {
			if err := b.DrawItem(ctx, item); err != nil {
				return fmt.Errorf("%s: item %d: %w", b.Name(), item.Index, err)
			}
		}
		if err := b.End(); err != nil {
			return fmt.Errorf("%s: end: %w", b.Name(), err)
		}
		log.Debug().Str("backend", b.Name()).Int("items", len(items)).Msg("render: pass complete")
	}
	return nil
}

// BaseEnv holds the fields known before any slot resolves.
func BaseEnv(canvas scene.Canvas, vp scene.Viewport) transform.Env {
	return transform.NewEnv(map[string]*buffer.Buffer{
		transform.FieldViewportSize: buffer.FromVec2s([][2]float32{{float32(vp.Width), float32(vp.Height)}}),
		transform.FieldCanvasDPI:    buffer.FromFloat32s([]float32{canvas.DPI}),
	})
}

func resolveItem(ctx context.Context, eng *transform.Engine, sc *scene.Scene, canvas scene.Canvas, index int, item scene.RenderItem) (ResolvedItem, error) {
	fail := func(attr string, err error) (ResolvedItem, error) {
		return ResolvedItem{}, &ItemError{Index: index, Visual: item.VisualUUID, Attribute: attr, Err: err}
	}
	vp, ok := sc.Viewport(item.ViewportUUID)
	if !ok {
		return fail("viewport", scene.ErrNotFound)
	}
	cam, ok := sc.Camera(item.CameraUUID)
	if !ok {
		return fail("camera", scene.ErrNotFound)
	}
	vis, ok := sc.Visual(item.VisualUUID)
	if !ok {
		return fail("visual", scene.ErrNotFound)
	}

	env := BaseEnv(canvas, *vp)
	mats := map[string]transbuf.TransBuffer{
		transform.FieldCameraView:       cam.View,
		transform.FieldCameraProjection: cam.Projection,
		transform.FieldModel:            item.Model,
	}
	var m [3]Mat4
	for i, field := range []string{transform.FieldCameraView, transform.FieldCameraProjection, transform.FieldModel} {
		b, err := mats[field].Resolve(ctx, eng, env)
		if err != nil {
			return fail(field, err)
		}
		if m[i], err = Mat4From(b); err != nil {
			return fail(field, err)
		}
		env = env.With(field, b)
	}

	positions, err := vis.Attributes[scene.AttrPositions].Resolve(ctx, eng, env)
	if err != nil {
		return fail(scene.AttrPositions, err)
	}
	mvp := m[1].Mul(m[0]).Mul(m[2])
	screen, err := Project(mvp, positions, *vp)
	if err != nil {
		return fail(scene.AttrPositions, err)
	}
	env = env.
		With(transform.FieldScreenX, buffer.FromFloat32s(screen.X)).
		With(transform.FieldScreenY, buffer.FromFloat32s(screen.Y)).
		With(transform.FieldScreenZ, buffer.FromFloat32s(screen.Z))

	attrs := map[string]*buffer.Buffer{scene.AttrPositions: positions}
	for _, name := range vis.AttributeNames() {
		if name == scene.AttrPositions {
			continue
		}
		b, err := vis.Attributes[name].Resolve(ctx, eng, env)
		if err != nil {
			return fail(name, err)
		}
		attrs[name] = b
	}

	return ResolvedItem{
		Index:      index,
		Viewport:   *vp,
		CameraUUID: cam.UUID,
		VisualUUID: vis.UUID,
		Kind:       vis.Kind,
		Properties: vis.Properties,
		Attributes: attrs,
		Env:        env,
	}, nil
}
