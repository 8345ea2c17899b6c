package render

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/scene"
)

// Mat4 is a row-major 4x4 matrix applied to column vectors.
type Mat4 [16]float32

// Identity is the 4x4 identity matrix.
var Identity = Mat4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// Mat4From reads the first matrix of a mat4 buffer.
func Mat4From(b *buffer.Buffer) (Mat4, error) {
	if b.Type() != buffer.Mat4 || b.Count() < 1 {
		return Mat4{}, fmt.Errorf("%w: want mat4, got %d x %s", ErrBadMatrix, b.Count(), b.Type())
	}
	vals, err := b.Float32s()
	if err != nil {
		return Mat4{}, err
	}
	var m Mat4
	copy(m[:], vals[:16])
	return m, nil
}

// Mul returns m × n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Transform applies m to the point (x, y, z, 1) and divides by w.
func (m Mat4) Transform(x, y, z float32) (float32, float32, float32) {
	tx := m[0]*x + m[1]*y + m[2]*z + m[3]
	ty := m[4]*x + m[5]*y + m[6]*z + m[7]
	tz := m[8]*x + m[9]*y + m[10]*z + m[11]
	tw := m[12]*x + m[13]*y + m[14]*z + m[15]
	if math32.Abs(tw) < 1e-12 {
		return math32.Inf(1), math32.Inf(1), math32.Inf(1)
	}
	return tx / tw, ty / tw, tz / tw
}

// Screen holds per-position pixel coordinates and depth.
type Screen struct {
	X, Y, Z []float32
}

// Project maps positions through mvp into viewport pixels. x grows right
// from the viewport's left edge, y grows up from its bottom edge, and z is
// NDC depth mapped to [0, 1].
func Project(mvp Mat4, positions *buffer.Buffer, vp scene.Viewport) (Screen, error) {
	dims := 0
	switch positions.Type() {
	case buffer.Vec2:
		dims = 2
	case buffer.Vec3:
		dims = 3
	default:
		return Screen{}, fmt.Errorf("%w: %s", ErrBadPositions, positions.Type())
	}
	vals, err := positions.Float32s()
	if err != nil {
		return Screen{}, err
	}

	n := positions.Count()
	s := Screen{X: make([]float32, n), Y: make([]float32, n), Z: make([]float32, n)}
	w, h := float32(vp.Width), float32(vp.Height)
	for i := 0; i < n; i++ {
		p := vals[i*dims : (i+1)*dims]
		var z float32
		if dims == 3 {
			z = p[2]
		}
		nx, ny, nz := mvp.Transform(p[0], p[1], z)
		s.X[i] = float32(vp.X) + (nx+1)/2*w
		s.Y[i] = float32(vp.Y) + (ny+1)/2*h
		s.Z[i] = math32.Min(1, math32.Max(0, (nz+1)/2))
	}
	return s, nil
}
