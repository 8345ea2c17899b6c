package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/client"
	"github.com/vispy/GSP-API/internal/config"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/testutil/testlog"
	"github.com/vispy/GSP-API/internal/testutil/tlstest"
	"github.com/vispy/GSP-API/internal/transbuf"
)

// startTCP serves srv's producer listener until the test ends and returns
// its address.
func startTCP(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := srv.ListenTCP()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("tcp listener did not stop")
		}
	})
	return ln.Addr().String()
}

func fastTransport() session.Config {
	cfg := session.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

func TestTCPStreamAcksAndBuildsScene(t *testing.T) {
	testlog.Start(t)
	srv := New(testConfig())
	addr := startTCP(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl, err := client.Dial(ctx, client.Options{Addr: addr, ProducerID: "notebook", Transport: fastTransport()})
	require.NoError(t, err)
	defer cl.Close()

	st := newStage(t)
	st.points(t, transbuf.FromBuffer(buffer.FromFloat32s([]float32{2})))
	msgs := st.producer.Log()
	ack, err := cl.Send(ctx, msgs...)
	require.NoError(t, err)
	assert.Equal(t, st.producer.LastID(), ack.MessageID)
	assert.Equal(t, protocol.StatusAccepted, ack.Status)
	assert.Empty(t, cl.Pending())
	assert.Equal(t, st.producer.LastID(), cl.Acked())

	sum, ok := srv.Sessions().Summary(cl.SessionID())
	require.True(t, ok)
	assert.Equal(t, "notebook", sum.Producer)
	assert.Equal(t, "tcp", sum.Transport)
	assert.Equal(t, 1, sum.Counts["render_items"])

	sess, _ := srv.Sessions().Get(cl.SessionID())
	out, err := srv.Render(ctx, sess, "json", nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"visual_kind":"points"`)

	closeMsg := st.producer.Emit(protocol.SessionClose{})
	ack, err = cl.Send(ctx, closeMsg)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusClosed, ack.Status)
	_, err = cl.Send(ctx, closeMsg)
	assert.ErrorIs(t, err, client.ErrClosed)
	assert.Equal(t, session.StateClosed, sess.State())
}

func TestTCPRejectedMessageReturnsErrorFrame(t *testing.T) {
	testlog.Start(t)
	srv := New(testConfig())
	addr := startTCP(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl, err := client.Dial(ctx, client.Options{Addr: addr, ProducerID: "notebook", Transport: fastTransport()})
	require.NoError(t, err)
	defer cl.Close()

	// the viewport references a canvas this session never saw
	st := newStage(t)
	_, err = cl.Send(ctx, st.producer.Log()[1])
	var rej protocol.Reject
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.Equal(t, uint64(2), rej.MessageID)
	assert.Contains(t, rej.Reason, "dangling")
	assert.NotEmpty(t, cl.Pending())

	sess, _ := srv.Sessions().Get(cl.SessionID())
	assert.Equal(t, session.StateClosed, sess.State())
}

func TestTCPRejectsBadToken(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Token = "s3cret"
	srv := New(cfg)
	addr := startTCP(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, client.Options{Addr: addr, ProducerID: "notebook", Token: "nope", Transport: fastTransport()})
	require.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "unauthorized")

	cl, err := client.Dial(ctx, client.Options{Addr: addr, ProducerID: "notebook", Token: "s3cret", Transport: fastTransport()})
	require.NoError(t, err)
	assert.NoError(t, cl.Close())
}

func TestTCPMutualTLSBindsProducerIdentity(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "gsp-test-ca")
	serverPair := ca.Server(t, "gspd")
	clientPair := ca.Client(t, "producer")

	cfg := testConfig()
	cfg.Transport = config.TransportConfig{
		SecurityMode: string(session.SecurityModeProduction),
		TLS: session.TLSConfig{
			Enabled: true, Mutual: true,
			CertFile: serverPair.CertFile, KeyFile: serverPair.KeyFile, CAFile: ca.CAFile(),
		},
	}
	srv := New(cfg)
	addr := startTCP(t, srv)

	transport := fastTransport()
	transport.SecurityMode = session.SecurityModeProduction
	transport.TLS = session.TLSConfig{
		Enabled: true, Mutual: true,
		CertFile: clientPair.CertFile, KeyFile: clientPair.KeyFile, CAFile: ca.CAFile(),
		ServerName: "localhost",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cl, err := client.Dial(ctx, client.Options{Addr: addr, ProducerID: "producer", Transport: transport})
	require.NoError(t, err)
	st := newStage(t)
	_, err = cl.Send(ctx, st.producer.Log()...)
	require.NoError(t, err)
	require.NoError(t, cl.Close())

	_, err = client.Dial(ctx, client.Options{Addr: addr, ProducerID: "someone-else", Transport: transport})
	require.ErrorIs(t, err, client.ErrRejected)
	assert.Contains(t, err.Error(), "identity")
}

func TestListenTCPValidatesTransport(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Transport.SecurityMode = string(session.SecurityModeProduction)
	_, err := New(cfg).ListenTCP()
	assert.ErrorIs(t, err, session.ErrTLSRequired)
}
