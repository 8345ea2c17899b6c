package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/testutil/testlog"
	"github.com/vispy/GSP-API/internal/transform"
)

func fastHTTP() *HTTP {
	return &HTTP{
		Client:      &http.Client{Timeout: 5 * time.Second},
		Backoff:     session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
		MaxAttempts: 3,
	}
}

func TestScheme(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"/tmp/data.bin":              "file",
		"data.bin":                   "file",
		"file:///tmp/data.bin":       "file",
		"embed:sample":               "embed",
		"HTTPS://example.com/x":      "https",
		"ssh://me@host/data.bin":     "ssh",
		"ws://localhost/ws?buffer=1": "ws",
		`C:\data\points.bin`:         "file",
	}
	for uri, want := range cases {
		assert.Equal(t, want, Scheme(uri), uri)
	}
}

func TestFilesResolve(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), []byte{1, 2, 3, 4}, 0o644))

	f := Files{Root: dir}
	data, err := f.Resolve(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	data, err = Files{}.Resolve(context.Background(), "file://"+filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	assert.Len(t, data, 4)

	_, err = f.Resolve(context.Background(), "missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfinedFilesStayUnderRoot(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "data.bin"), []byte{5, 6}, 0o644))
	outside := filepath.Join(filepath.Dir(dir), "secret.bin")

	f := Files{Root: dir, Confine: true}
	data, err := f.Resolve(context.Background(), "sub/data.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6}, data)

	data, err = f.Resolve(context.Background(), "sub/../sub/data.bin")
	require.NoError(t, err)
	assert.Len(t, data, 2)

	for _, uri := range []string{
		outside,
		"file://" + outside,
		"../secret.bin",
		"sub/../../secret.bin",
		"~/.ssh/id_ed25519",
		"file://~/.ssh/id_ed25519",
	} {
		_, err := f.Resolve(context.Background(), uri)
		assert.ErrorIs(t, err, ErrOutsideRoot, uri)
	}

	_, err = Files{Confine: true}.Resolve(context.Background(), "data.bin")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestCredentialsTokenFor(t *testing.T) {
	testlog.Start(t)
	creds := Credentials{Token: "s3cret", Origins: []string{"http://127.0.0.1:7080", "https://gsp.example.com"}}
	cases := map[string]string{
		"http://127.0.0.1:7080/v1/x":       "s3cret",
		"ws://127.0.0.1:7080/ws?buffer=1":  "s3cret",
		"wss://gsp.example.com:443/ws":     "s3cret",
		"https://GSP.example.com/data.bin": "s3cret",
		"http://127.0.0.1:7081/v1/x":       "",
		"https://127.0.0.1:7080/v1/x":      "",
		"http://evil.example.com/x":        "",
		"https://gsp.example.com.evil/x":   "",
		"data.bin":                         "",
	}
	for uri, want := range cases {
		assert.Equal(t, want, creds.TokenFor(uri), uri)
	}
	assert.Empty(t, Credentials{Token: "s3cret"}.TokenFor("http://127.0.0.1:7080/x"))
}

func TestHTTPSendsTokenOnlyToTrustedOrigins(t *testing.T) {
	testlog.Start(t)
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte{1, 2})
	}))
	defer srv.Close()

	h := fastHTTP()
	h.Credentials = Credentials{Token: "s3cret", Origins: []string{"http://gsp.example.com"}}
	_, err := h.Fetch(context.Background(), srv.URL+"/data.bin")
	require.NoError(t, err)
	assert.Equal(t, "", seen.Load())

	h.Credentials.Origins = append(h.Credentials.Origins, srv.URL)
	_, err = h.Fetch(context.Background(), srv.URL+"/data.bin")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", seen.Load())
}

func TestEmbeddedCopiesData(t *testing.T) {
	testlog.Start(t)
	e := NewEmbedded()
	blob := []byte{9, 9}
	e.Register("pair", blob)
	blob[0] = 0

	data, err := e.Resolve(context.Background(), "embed:pair")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, data)
	assert.Equal(t, []string{"pair"}, e.Names())

	_, err = e.Resolve(context.Background(), "embed:none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{B: 255, G: 10, A: 128})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	testlog.Start(t)
	pix, ok, err := DecodeImage(encodePNG(t))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{255, 0, 0, 255, 0, 10, 255, 128}, pix)

	_, ok, err = DecodeImage([]byte{0, 0, 128, 63})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRouterDataSourceThroughEngine(t *testing.T) {
	testlog.Start(t)
	emb := NewEmbedded()
	emb.Register("tex", encodePNG(t))
	emb.Register("sizes", buffer.FromFloat32s([]float32{1, 2}).Data())
	rt := NewRouter(WithScheme("embed", emb))
	eng := transform.NewEngine(transform.WithResolver(rt))

	tex, err := transform.New(transform.DataSource{URI: "embed:tex", Type: buffer.RGBA8})
	require.NoError(t, err)
	out, err := eng.Evaluate(context.Background(), tex, transform.Env{})
	require.NoError(t, err)
	assert.Equal(t, buffer.RGBA8, out.Type())
	assert.Equal(t, 2, out.Count())

	sizes, err := transform.New(transform.DataSource{URI: "embed:sizes", Type: buffer.Float32}, transform.Mul(transform.Scalar(2)))
	require.NoError(t, err)
	out, err = eng.Evaluate(context.Background(), sizes, transform.Env{})
	require.NoError(t, err)
	vals, err := out.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, vals)

	_, err = rt.Resolve(context.Background(), "gopher://nowhere")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	assert.False(t, rt.Supports("ssh"))
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set(HeaderBufferType, "float32")
		w.Header().Set(HeaderBufferCount, "2")
		_, _ = w.Write(buffer.FromFloat32s([]float32{1, 2}).Data())
	}))
	defer srv.Close()

	data, err := fastHTTP().Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, data, 8)
	assert.EqualValues(t, 3, calls.Load())
}

func TestHTTPDoesNotRetryClientErrors(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := fastHTTP().Resolve(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPRejectsHeaderMismatch(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderBufferType, "vec3")
		w.Header().Set(HeaderBufferCount, "2")
		_, _ = w.Write(make([]byte, 12))
	}))
	defer srv.Close()

	_, err := fastHTTP().Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, transform.ErrMalformedSource)
}

func wsServer(t *testing.T, buffers map[uuid.UUID]*buffer.Buffer) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame.Frame
		id, err := uuid.Parse(string(msg))
		b, ok := buffers[id]
		if err != nil || !ok {
			f = protocol.EncodeReject(protocol.Reject{MessageID: 1, Reason: "unknown buffer"})
		} else {
			f, _ = protocol.EncodeFrame(protocol.Message{ID: 1, Body: protocol.NewBufferCreate(b)})
		}
		var out bytes.Buffer
		_ = frame.WriteFrame(&out, f, frame.DefaultLimits())
		_ = conn.WriteMessage(websocket.BinaryMessage, out.Bytes())
	}))
}

func TestWebSocketFetch(t *testing.T) {
	testlog.Start(t)
	b := buffer.FromVec3s([][3]float32{{1, 2, 3}})
	srv := wsServer(t, map[uuid.UUID]*buffer.Buffer{b.ID(): b})
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ns := Network{WebSocket: &WebSocket{}}
	data, err := ns.Fetch(context.Background(), base+"/ws?buffer="+b.ID().String())
	require.NoError(t, err)
	assert.Equal(t, b.Data(), data)

	_, err = ns.Fetch(context.Background(), base+"/ws?buffer="+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ns.Fetch(context.Background(), base+"/ws")
	assert.ErrorIs(t, err, transform.ErrMalformedSource)

	_, err = ns.Fetch(context.Background(), "ftp://example.com/x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestNetworkSourceThroughEngine(t *testing.T) {
	testlog.Start(t)
	b := buffer.FromFloat32s([]float32{0.25, 0.5})
	srv := wsServer(t, map[uuid.UUID]*buffer.Buffer{b.ID(): b})
	defer srv.Close()

	_, network := New(Config{HTTPTimeout: 5 * time.Second})
	eng := transform.NewEngine(transform.WithFetcher(network))
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?buffer=" + b.ID().String()
	tr, err := transform.New(transform.NetworkSource{Endpoint: endpoint, Type: buffer.Float32, Timeout: 5 * time.Second})
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), tr, transform.Env{})
	require.NoError(t, err)
	assert.Equal(t, b.Data(), out.Data())
}

func TestParseSSHURI(t *testing.T) {
	testlog.Start(t)
	target, err := parseSSHURI("ssh://render@lab.example:2222/srv/data/points.bin", "")
	require.NoError(t, err)
	assert.Equal(t, sshTarget{user: "render", addr: "lab.example:2222", path: "/srv/data/points.bin"}, target)

	target, err = parseSSHURI("ssh://lab.example/~/points.bin", "ops")
	require.NoError(t, err)
	assert.Equal(t, sshTarget{user: "ops", addr: "lab.example:22", path: "points.bin"}, target)

	_, err = parseSSHURI("ssh://lab.example/points.bin", "")
	assert.ErrorIs(t, err, ErrSSHConfig)
	_, err = parseSSHURI("ssh://me@lab.example", "")
	assert.ErrorIs(t, err, ErrSSHConfig)
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}

func TestSSHRequiresKey(t *testing.T) {
	testlog.Start(t)
	_, err := SSH{User: "me"}.Resolve(context.Background(), "ssh://127.0.0.1:1/data.bin")
	assert.ErrorIs(t, err, ErrSSHConfig)
}
