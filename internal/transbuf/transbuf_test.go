package transbuf

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/transform"
)

func TestResolveBufferReturnsSameInstance(t *testing.T) {
	b := buffer.FromVec3s([][3]float32{{1, 2, 3}})
	slot := FromBuffer(b)
	assert.True(t, slot.IsBuffer())
	assert.True(t, b.Published())

	out, err := slot.Resolve(context.Background(), nil, transform.Env{})
	require.NoError(t, err)
	assert.Same(t, b, out)
	assert.Equal(t, b.ID(), slot.ID())
}

func TestResolveTransformEvaluates(t *testing.T) {
	tr, err := transform.New(transform.Accessor{Field: transform.FieldCanvasDPI}, transform.Div(transform.Scalar(96)))
	require.NoError(t, err)
	slot := FromTransform(tr)
	assert.True(t, slot.IsTransform())

	env := transform.NewEnv(map[string]*buffer.Buffer{
		transform.FieldCanvasDPI: buffer.FromFloat32s([]float32{192}),
	})
	out, err := slot.Resolve(context.Background(), transform.NewEngine(), env)
	require.NoError(t, err)
	vals, err := out.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, vals)

	_, err = slot.Resolve(context.Background(), nil, env)
	assert.Error(t, err)
}

func TestEmptySlot(t *testing.T) {
	var slot TransBuffer
	assert.True(t, slot.IsZero())
	assert.Equal(t, uuid.Nil, slot.ID())
	_, err := slot.Resolve(context.Background(), transform.NewEngine(), transform.Env{})
	assert.ErrorIs(t, err, ErrEmptySlot)
	assert.True(t, FromBuffer(nil).IsZero())
}
