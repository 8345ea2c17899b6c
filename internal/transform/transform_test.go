package transform

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
)

func mapResolver(sources map[string][]byte) Resolver {
	return ResolverFunc(func(_ context.Context, uri string) ([]byte, error) {
		data, ok := sources[uri]
		if !ok {
			return nil, errors.New("not found")
		}
		return data, nil
	})
}

func floats(t *testing.T, b *buffer.Buffer) []float32 {
	t.Helper()
	vals, err := b.Float32s()
	require.NoError(t, err)
	return vals
}

func TestNewRejectsInvalidChains(t *testing.T) {
	_, err := New()
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = New(Mul(Scalar(2)))
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = New(Accessor{Field: "model"}, Operator{Op: "pow", Operand: Scalar(2)})
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = New(Immediate{})
	assert.ErrorIs(t, err, ErrInvalidChain)

	_, err = New(DataSource{URI: "x", Type: buffer.Type(77)})
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestNewPublishesReferencedBuffers(t *testing.T) {
	imm := buffer.FromFloat32s([]float32{1})
	operand := buffer.FromFloat32s([]float32{2})
	_, err := New(Immediate{Buffer: imm}, Add(BufferOperand(operand)))
	require.NoError(t, err)
	assert.True(t, imm.Published())
	assert.True(t, operand.Published())
}

func TestAccessorReadsEnvironment(t *testing.T) {
	tr, err := New(Accessor{Field: FieldScreenZ})
	require.NoError(t, err)
	env := NewEnv(map[string]*buffer.Buffer{
		FieldScreenZ: buffer.FromFloat32s([]float32{0.1, 0.5, 0.9}),
	})

	out, err := NewEngine().Evaluate(context.Background(), tr, env)
	require.NoError(t, err)
	assert.Equal(t, buffer.Float32, out.Type())
	assert.Equal(t, []float32{0.1, 0.5, 0.9}, floats(t, out))
}

func TestAccessorUnknownField(t *testing.T) {
	tr, err := New(Accessor{Field: "screen.w"})
	require.NoError(t, err)

	_, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrUnknownField)

	var le *LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 0, le.Index)
	assert.Equal(t, KindAccessor, le.Kind)
	assert.Equal(t, tr.ID(), le.Transform)
}

func TestDataSourceThenMultiply(t *testing.T) {
	src := buffer.FromVec3s([][3]float32{{1, 1, 1}})
	tr, err := New(DataSource{URI: "mem://ones", Type: buffer.Vec3}, Mul(Scalar(2.0)))
	require.NoError(t, err)

	eng := NewEngine(WithResolver(mapResolver(map[string][]byte{"mem://ones": src.Data()})))
	out, err := eng.Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, buffer.Vec3, out.Type())
	assert.Equal(t, 1, out.Count())
	assert.Equal(t, []float32{2, 2, 2}, floats(t, out))
}

func TestDataSourceMalformedLength(t *testing.T) {
	tr, err := New(DataSource{URI: "mem://short", Type: buffer.Vec3})
	require.NoError(t, err)
	eng := NewEngine(WithResolver(mapResolver(map[string][]byte{"mem://short": make([]byte, 13)})))

	_, err = eng.Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrMalformedSource)
}

func TestDataSourceUnavailable(t *testing.T) {
	tr, err := New(DataSource{URI: "mem://missing", Type: buffer.Float32})
	require.NoError(t, err)

	_, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = NewEngine(WithResolver(mapResolver(nil))).Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	base := buffer.FromVec4s([][4]float32{{1, 2, 3, 4}, {-1, 0.5, 7, 9}})
	tr, err := New(Immediate{Buffer: base}, Mul(Scalar(1.5)), Sub(Scalar(0.25)), Div(Scalar(3)))
	require.NoError(t, err)

	eng := NewEngine()
	a, err := eng.Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	b, err := eng.Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestFloatDivisionByZeroIsIEEE(t *testing.T) {
	tr, err := New(Immediate{Buffer: buffer.FromFloat32s([]float32{1, -1, 0})}, Div(Scalar(0)))
	require.NoError(t, err)

	out, err := NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	vals := floats(t, out)
	assert.True(t, math.IsInf(float64(vals[0]), 1))
	assert.True(t, math.IsInf(float64(vals[1]), -1))
	assert.True(t, math.IsNaN(float64(vals[2])))
}

func TestIntegerDivisionByZeroFails(t *testing.T) {
	tr, err := New(Immediate{Buffer: buffer.FromInt32s([]int32{4, 8})}, Div(Scalar(0)))
	require.NoError(t, err)

	_, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrDivideByZero)
}

func TestIntegerNaNResultFails(t *testing.T) {
	ints := buffer.FromInt32s([]int32{4, 8})
	scale := buffer.FromFloat32s([]float32{2, float32(math.NaN())})
	tr, err := New(Immediate{Buffer: ints}, Mul(BufferOperand(scale)))
	require.NoError(t, err)

	_, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	assert.ErrorIs(t, err, ErrNonFiniteResult)
	var le *LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 1, le.Index)
	assert.Contains(t, err.Error(), "element 1")
}

func TestNonFiniteScalarOperandIsRejected(t *testing.T) {
	base := buffer.FromFloat32s([]float32{1})
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := New(Immediate{Buffer: base}, Add(Scalar(v)))
		assert.ErrorIs(t, err, ErrInvalidChain, v)
	}

	tr, err := New(Immediate{Buffer: base}, Add(Scalar(math.MaxFloat64)))
	require.NoError(t, err)
	_, err = Describe(tr)
	assert.NoError(t, err)

	_, err = EncodeLink(Add(Scalar(math.Inf(1))))
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestIntegerOperatorsTruncateAndSaturate(t *testing.T) {
	colors := buffer.FromRGBA([][4]uint8{{200, 100, 10, 255}})
	tr, err := New(Immediate{Buffer: colors}, Mul(Scalar(1.5)))
	require.NoError(t, err)
	out, err := NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	raw, err := out.Uint8s()
	require.NoError(t, err)
	assert.Equal(t, []uint8{255, 150, 15, 255}, raw)

	ints := buffer.FromInt32s([]int32{-7, 7})
	tr, err = New(Immediate{Buffer: ints}, Div(Scalar(2)))
	require.NoError(t, err)
	out, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	vals, err := out.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{-3, 3}, vals)

	small := buffer.FromUint8s([]uint8{3})
	tr, err = New(Immediate{Buffer: small}, Sub(Scalar(10)))
	require.NoError(t, err)
	out, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, out.Data())
}

func TestBufferOperandBroadcasting(t *testing.T) {
	positions := buffer.FromVec3s([][3]float32{{1, 2, 3}, {4, 5, 6}})

	perElement := buffer.FromFloat32s([]float32{10, 100})
	tr, err := New(Immediate{Buffer: positions}, Mul(BufferOperand(perElement)))
	require.NoError(t, err)
	out, err := NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30, 400, 500, 600}, floats(t, out))

	componentwise := buffer.FromVec3s([][3]float32{{1, 1, 1}, {2, 2, 2}})
	tr, err = New(Immediate{Buffer: positions}, Sub(BufferOperand(componentwise)))
	require.NoError(t, err)
	out, err = NewEngine().Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 2, 3, 4}, floats(t, out))
}

func TestBufferOperandShapeMismatch(t *testing.T) {
	positions := buffer.FromVec3s([][3]float32{{1, 2, 3}, {4, 5, 6}})

	for _, operand := range []*buffer.Buffer{
		buffer.FromVec3s([][3]float32{{1, 0, -1}}),
		buffer.FromFloat32s([]float32{10}),
		buffer.FromFloat32s([]float32{1, 2, 3}),
		buffer.FromVec2s([][2]float32{{1, 2}, {3, 4}}),
	} {
		tr, err := New(Immediate{Buffer: positions}, Mul(BufferOperand(operand)))
		require.NoError(t, err)
		_, err = NewEngine().Evaluate(context.Background(), tr, Env{})
		assert.ErrorIs(t, err, ErrShapeMismatch)

		var le *LinkError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, 1, le.Index)
		assert.Equal(t, KindOperator, le.Kind)
	}
}

func TestOperatorWithoutInput(t *testing.T) {
	_, err := applyOperator(nil, Mul(Scalar(2)))
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestNetworkSourceFetchesAsynchronously(t *testing.T) {
	remote := buffer.FromVec2s([][2]float32{{1, 2}})
	fetcher := FetcherFunc(func(ctx context.Context, endpoint string) ([]byte, error) {
		assert.Equal(t, "http://peer/buffers/1", endpoint)
		return remote.Data(), nil
	})
	tr, err := New(NetworkSource{Endpoint: "http://peer/buffers/1", Type: buffer.Vec2}, Add(Scalar(1)))
	require.NoError(t, err)

	out, err := NewEngine(WithFetcher(fetcher)).Evaluate(context.Background(), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, floats(t, out))
}

func TestNetworkSourceTimeoutYieldsNoPartialBuffer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fetcher := FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		select {
		case <-release:
			return make([]byte, 4), nil
		case <-ctx.Done():
			return make([]byte, 2), nil
		}
	})
	tr, err := New(NetworkSource{Endpoint: "ws://slow", Type: buffer.Float32, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	out, err := NewEngine(WithFetcher(fetcher)).Evaluate(context.Background(), tr, Env{})
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestNetworkSourceCancellation(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tr, err := New(NetworkSource{Endpoint: "ws://never", Type: buffer.Float32})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = NewEngine(WithFetcher(fetcher)).Evaluate(ctx, tr, Env{})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

type countingObserver struct {
	evals  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
}

func (o *countingObserver) ObserveEvaluation(time.Duration, error) { o.evals.Add(1) }
func (o *countingObserver) ObserveCache(hit bool) {
	if hit {
		o.hits.Add(1)
		return
	}
	o.misses.Add(1)
}

func TestEngineCacheKeyedByEnvironment(t *testing.T) {
	var calls atomic.Int64
	resolver := ResolverFunc(func(context.Context, string) ([]byte, error) {
		calls.Add(1)
		return buffer.FromFloat32s([]float32{1}).Data(), nil
	})
	obs := &countingObserver{}
	eng := NewEngine(WithResolver(resolver), WithCache(8), WithObserver(obs))
	tr, err := New(DataSource{URI: "mem://one", Type: buffer.Float32})
	require.NoError(t, err)

	envA := NewEnv(map[string]*buffer.Buffer{FieldCanvasDPI: buffer.FromFloat32s([]float32{96})})
	envB := NewEnv(map[string]*buffer.Buffer{FieldCanvasDPI: buffer.FromFloat32s([]float32{192})})

	first, err := eng.Evaluate(context.Background(), tr, envA)
	require.NoError(t, err)
	second, err := eng.Evaluate(context.Background(), tr, envA)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = eng.Evaluate(context.Background(), tr, envB)
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, obs.hits.Load())
	assert.EqualValues(t, 2, obs.misses.Load())
	assert.EqualValues(t, 2, obs.evals.Load())
	assert.EqualValues(t, 1, eng.CacheStats().Hits)
}

func TestEngineCacheSeparatesReusedTransformIDs(t *testing.T) {
	eng := NewEngine(WithCache(8))
	id := uuid.New()
	first, err := NewWithID(id, Immediate{Buffer: buffer.FromFloat32s([]float32{1, 2, 3})})
	require.NoError(t, err)
	second, err := NewWithID(id, Immediate{Buffer: buffer.FromFloat32s([]float32{7, 8, 9})})
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest(), second.Digest())

	out, err := eng.Evaluate(context.Background(), first, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, floats(t, out))
	out, err = eng.Evaluate(context.Background(), second, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8, 9}, floats(t, out))

	again, err := NewWithID(id, Immediate{Buffer: buffer.FromFloat32s([]float32{1, 2, 3})})
	require.NoError(t, err)
	assert.Equal(t, first.Digest(), again.Digest())
}

func TestEngineCacheScopes(t *testing.T) {
	var value atomic.Int64
	resolver := ResolverFunc(func(context.Context, string) ([]byte, error) {
		return buffer.FromFloat32s([]float32{float32(value.Load())}).Data(), nil
	})
	eng := NewEngine(WithResolver(resolver), WithCache(8))
	tr, err := New(DataSource{URI: "mem://counter", Type: buffer.Float32})
	require.NoError(t, err)

	value.Store(1)
	a := WithCacheScope(context.Background(), "a")
	out, err := eng.Evaluate(a, tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, floats(t, out))

	value.Store(2)
	out, err = eng.Evaluate(a, tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, floats(t, out))

	out, err = eng.Evaluate(WithCacheScope(context.Background(), "b"), tr, Env{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, floats(t, out))
	assert.Equal(t, "b", CacheScope(WithCacheScope(context.Background(), "b")))
	assert.Empty(t, CacheScope(context.Background()))
}

func TestEnvFingerprint(t *testing.T) {
	a := NewEnv(map[string]*buffer.Buffer{"x": buffer.FromFloat32s([]float32{1})})
	b := NewEnv(map[string]*buffer.Buffer{"x": buffer.FromFloat32s([]float32{1})})
	c := a.With("y", buffer.FromFloat32s([]float32{2}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Equal(t, Env{}.Fingerprint(), NewEnv(nil).Fingerprint())
	assert.Equal(t, []string{"x", "y"}, c.Names())
	assert.Equal(t, 1, a.Len())
}

func TestDescriptorRoundTrip(t *testing.T) {
	imm := buffer.FromVec3s([][3]float32{{1, 2, 3}})
	scale := buffer.FromFloat32s([]float32{4})
	tr, err := New(
		Immediate{Buffer: imm},
		Mul(BufferOperand(scale)),
		Add(Scalar(0.5)),
	)
	require.NoError(t, err)

	d, err := Describe(tr)
	require.NoError(t, err)
	assert.Equal(t, "immediate", d.Links[0].LinkType)

	refs, err := BufferRefs(d)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{imm.ID(), scale.ID()}, refs)

	known := map[uuid.UUID]*buffer.Buffer{imm.ID(): imm, scale.ID(): scale}
	back, err := FromDescriptor(d, func(id uuid.UUID) (*buffer.Buffer, bool) {
		b, ok := known[id]
		return b, ok
	})
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), back.ID())
	assert.Equal(t, tr.Links(), back.Links())

	_, err = FromDescriptor(d, func(uuid.UUID) (*buffer.Buffer, bool) { return nil, false })
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestDescriptorSourcesRoundTrip(t *testing.T) {
	tr, err := New(
		DataSource{URI: "file:///tmp/pos.bin", Type: buffer.Vec3},
		NetworkSource{Endpoint: "ws://peer/ws", Type: buffer.Vec3, Timeout: 2 * time.Second},
		Accessor{Field: FieldModel},
	)
	require.NoError(t, err)
	d, err := Describe(tr)
	require.NoError(t, err)
	back, err := FromDescriptor(d, nil)
	require.NoError(t, err)
	assert.Equal(t, tr.Links(), back.Links())
}

func TestDecodeUnknownLinkType(t *testing.T) {
	_, err := DecodeLink(LinkDescriptor{LinkType: "shader"}, nil)
	assert.ErrorIs(t, err, ErrInvalidChain)
	assert.Contains(t, LinkTypes(), "operator")
}

func TestRegisterLinkCodecPanicsOnDuplicate(t *testing.T) {
	assert.Panics(t, func() {
		RegisterLinkCodec(string(KindAccessor), LinkCodec{
			Encode: func(Link) (any, error) { return nil, nil },
			Decode: func(json.RawMessage, BufferLookup) (Link, error) { return nil, nil },
		})
	})
}
