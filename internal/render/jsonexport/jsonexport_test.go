package jsonexport

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/testutil/testlog"
	"github.com/vispy/GSP-API/internal/transbuf"
)

func imageScene(t *testing.T) *scene.Scene {
	t.Helper()
	sc := scene.New()
	canvas := scene.Canvas{UUID: uuid.New(), Width: 64, Height: 64, DPI: 72}
	require.NoError(t, sc.SetCanvas(canvas))
	vp := scene.Viewport{UUID: uuid.New(), CanvasUUID: canvas.UUID, Width: 64, Height: 64}
	require.NoError(t, sc.AddViewport(vp))
	identity := transbuf.FromBuffer(buffer.FromMat4s([][16]float32{render.Identity}))
	cam := scene.Camera{UUID: uuid.New(), View: identity, Projection: identity}
	require.NoError(t, sc.AddCamera(cam))
	vis := scene.Visual{
		UUID:       uuid.New(),
		Kind:       scene.KindImage,
		Attributes: map[string]transbuf.TransBuffer{scene.AttrPositions: transbuf.FromBuffer(buffer.FromVec3s([][3]float32{{0.5, 0, 0}}))},
		Properties: scene.Properties{TextureURI: "embed:tex", ImageExtent: [4]float32{-1, 1, -1, 1}},
	}
	require.NoError(t, sc.AddVisual(vis))
	require.NoError(t, sc.AddRenderItem(scene.RenderItem{ViewportUUID: vp.UUID, VisualUUID: vis.UUID, CameraUUID: cam.UUID, Model: identity}))
	return sc
}

func TestExportBase64(t *testing.T) {
	testlog.Start(t)
	b, err := render.Open(Name, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.ErrorIs(t, err, ErrNotFinished)

	require.NoError(t, render.NewPass(nil).Run(context.Background(), imageScene(t), b))
	_, err = b.WriteTo(&out)
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Items, 1)
	item := doc.Items[0]
	assert.Equal(t, scene.KindImage, item.Kind)
	assert.Equal(t, "embed:tex", item.Properties.TextureURI)
	pos := item.Attributes[scene.AttrPositions]
	assert.Equal(t, buffer.Vec3, pos.Type)
	assert.Equal(t, 1, pos.Count)
	assert.Equal(t, buffer.FromVec3s([][3]float32{{0.5, 0, 0}}).Data(), pos.Data)
	assert.Contains(t, out.String(), `"type":"vec3"`)
}

func TestExportDecodedValues(t *testing.T) {
	testlog.Start(t)
	b, err := New(map[string]string{"decode": "true", "indent": "1"})
	require.NoError(t, err)
	require.NoError(t, render.NewPass(nil).Run(context.Background(), imageScene(t), b))

	doc := b.Document()
	assert.Equal(t, []float64{0.5, 0, 0}, doc.Items[0].Attributes[scene.AttrPositions].Values)
	assert.Equal(t, 64, doc.Canvas.Width)

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "\n  \"items\"")
}

func TestExportRejectsBadOption(t *testing.T) {
	testlog.Start(t)
	_, err := New(map[string]string{"decode": "maybe"})
	assert.Error(t, err)
}
