package geometry

import "math"

// Matrix4 is a row-major 4×4 homogeneous transform.
type Matrix4 [4][4]float64

// IdentityMatrix returns the identity transform.
func IdentityMatrix() Matrix4 {
	return Matrix4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Multiply composes two transforms: applying the result is equivalent to
// applying o first, then m.
func (m Matrix4) Multiply(o Matrix4) Matrix4 {
	var out Matrix4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s := 0.0
			for k := 0; k < 4; k++ {
				s += m[i][k] * o[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Apply transforms a point.
func (m Matrix4) Apply(v Vec3) Vec3 {
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z + m[0][3],
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z + m[1][3],
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z + m[2][3],
	}
}

// Rotation is a rigid rotation composed from axis rotations applied in
// order Z∘Y∘X. The source angles are kept in degrees for observability.
type Rotation struct {
	Matrix  Matrix4
	Degrees [3]float64 // rotation about X, Y, Z in degrees
}

// NewRotation builds a rotation from per-axis angles in degrees. Angles are
// normalized to [0, 360).
func NewRotation(xDeg, yDeg, zDeg float64) Rotation {
	xDeg = NormalizeAngle(xDeg)
	yDeg = NormalizeAngle(yDeg)
	zDeg = NormalizeAngle(zDeg)

	rx := rotationX(xDeg * math.Pi / 180)
	ry := rotationY(yDeg * math.Pi / 180)
	rz := rotationZ(zDeg * math.Pi / 180)

	return Rotation{
		Matrix:  rz.Multiply(ry).Multiply(rx),
		Degrees: [3]float64{xDeg, yDeg, zDeg},
	}
}

// IdentityRotation returns the no-op rotation.
func IdentityRotation() Rotation {
	return Rotation{Matrix: IdentityMatrix()}
}

// IsIdentity reports whether all source angles are zero.
func (r Rotation) IsIdentity() bool {
	return r.Degrees[0] == 0 && r.Degrees[1] == 0 && r.Degrees[2] == 0
}

// Apply transforms a point by the rotation.
func (r Rotation) Apply(v Vec3) Vec3 {
	return r.Matrix.Apply(v)
}

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

func rotationX(rad float64) Matrix4 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix4{
		{1, 0, 0, 0},
		{0, c, -s, 0},
		{0, s, c, 0},
		{0, 0, 0, 1},
	}
}

func rotationY(rad float64) Matrix4 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix4{
		{c, 0, s, 0},
		{0, 1, 0, 0},
		{-s, 0, c, 0},
		{0, 0, 0, 1},
	}
}

func rotationZ(rad float64) Matrix4 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix4{
		{c, -s, 0, 0},
		{s, c, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Transformed returns a new mesh with the rotation applied to every vertex.
// The source mesh is never mutated.
func (m *Mesh) Transformed(r Rotation) *Mesh {
	out := &Mesh{Name: m.Name, Triangles: make([]Triangle, len(m.Triangles))}
	for i, t := range m.Triangles {
		out.Triangles[i] = Triangle{
			Normal: r.Apply(t.Normal),
			V1:     r.Apply(t.V1),
			V2:     r.Apply(t.V2),
			V3:     r.Apply(t.V3),
		}
	}
	return out
}
