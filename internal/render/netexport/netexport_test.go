package netexport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/render/jsonexport"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/testutil/testlog"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

// remoteRenderer replays posted frame logs and answers with the json export.
func remoteRenderer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/render" || r.URL.Query().Get("backend") != "json" {
			http.NotFound(w, r)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		msgs, format, err := session.ReadLog(r.Body)
		if err != nil || format != session.FormatFrames {
			http.Error(w, "bad log", http.StatusBadRequest)
			return
		}
		sess, err := session.Replay(msgs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		b, _ := jsonexport.New(nil)
		err = sess.Read(func(sc *scene.Scene) error {
			return render.NewPass(nil).Run(r.Context(), sc, b)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = b.WriteTo(w)
	}))
}

func dpiScene(t *testing.T) *scene.Scene {
	t.Helper()
	sc := scene.New()
	canvas := scene.Canvas{UUID: uuid.New(), Width: 10, Height: 10, DPI: 144}
	require.NoError(t, sc.SetCanvas(canvas))
	vp := scene.Viewport{UUID: uuid.New(), CanvasUUID: canvas.UUID, Width: 10, Height: 10}
	require.NoError(t, sc.AddViewport(vp))
	identity := transbuf.FromBuffer(buffer.FromMat4s([][16]float32{render.Identity}))
	cam := scene.Camera{UUID: uuid.New(), View: identity, Projection: identity}
	require.NoError(t, sc.AddCamera(cam))

	widths, err := transform.New(transform.Accessor{Field: transform.FieldCanvasDPI}, transform.Div(transform.Scalar(72)))
	require.NoError(t, err)
	vis := scene.Visual{
		UUID: uuid.New(),
		Kind: scene.KindSegments,
		Attributes: map[string]transbuf.TransBuffer{
			scene.AttrPositions:  transbuf.FromBuffer(buffer.FromVec3s([][3]float32{{0, 0, 0}, {1, 1, 0}})),
			scene.AttrLineWidths: transbuf.FromTransform(widths),
			scene.AttrColors:     transbuf.FromBuffer(buffer.FromRGBA([][4]uint8{{0, 0, 0, 255}})),
		},
		Properties: scene.Properties{CapStyle: scene.CapRound},
	}
	require.NoError(t, sc.AddVisual(vis))
	require.NoError(t, sc.AddRenderItem(scene.RenderItem{ViewportUUID: vp.UUID, VisualUUID: vis.UUID, CameraUUID: cam.UUID, Model: identity}))
	return sc
}

func TestNetworkBackendRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := remoteRenderer(t, "s3cret")
	defer srv.Close()

	b, err := render.Open(Name, map[string]string{"url": srv.URL + "/", "token": "s3cret", "timeout": "5s"})
	require.NoError(t, err)
	require.NoError(t, render.NewPass(nil).Run(context.Background(), dpiScene(t), b))

	nb := b.(*Backend)
	msgs := nb.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, protocol.CmdCanvasCreate, msgs[0].Command())
	assert.Equal(t, protocol.CmdRenderItemAdd, msgs[len(msgs)-1].Command())

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	var doc jsonexport.Document
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Items, 1)
	widths := doc.Items[0].Attributes[scene.AttrLineWidths]
	assert.Equal(t, buffer.Float32, widths.Type)
	assert.Equal(t, buffer.FromFloat32s([]float32{2}).Data(), widths.Data)
	assert.Equal(t, scene.CapRound, doc.Items[0].Properties.CapStyle)
}

func TestNetworkBackendReportsRemoteFailure(t *testing.T) {
	testlog.Start(t)
	srv := remoteRenderer(t, "s3cret")
	defer srv.Close()

	b, err := New(map[string]string{"url": srv.URL, "token": "wrong"})
	require.NoError(t, err)
	err = render.NewPass(nil).Run(context.Background(), dpiScene(t), b)
	assert.ErrorIs(t, err, ErrRemote)
	_, err = b.WriteTo(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotFinished)
}

func TestNewRequiresURL(t *testing.T) {
	testlog.Start(t)
	_, err := New(map[string]string{})
	assert.ErrorIs(t, err, ErrMissingURL)
	_, err = New(map[string]string{"url": "http://x", "timeout": "soon"})
	assert.Error(t, err)
}
