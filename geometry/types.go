package geometry

import "math"

// Vec3 is a point or direction in millimeters.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// Triangle is a single face. The normal is stored as read from the source
// file; it is not recomputed when the triangle is transformed.
type Triangle struct {
	Normal     Vec3
	V1, V2, V3 Vec3
}

// Area returns the triangle's surface area via the cross-product rule.
func (t Triangle) Area() float64 {
	return t.V2.Sub(t.V1).Cross(t.V3.Sub(t.V1)).Length() / 2
}

// Centroid returns the average of the three vertices.
func (t Triangle) Centroid() Vec3 {
	return Vec3{
		X: (t.V1.X + t.V2.X + t.V3.X) / 3,
		Y: (t.V1.Y + t.V2.Y + t.V3.Y) / 3,
		Z: (t.V1.Z + t.V2.Z + t.V3.Z) / 3,
	}
}

// signedVolume returns the signed volume of the tetrahedron formed by the
// triangle and the origin.
func (t Triangle) signedVolume() float64 {
	return t.V1.Dot(t.V2.Cross(t.V3)) / 6
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min, Max Vec3
}

// NewBounds returns an empty bounding box that extends correctly from the
// first point added.
func NewBounds() Bounds {
	inf := math.Inf(1)
	return Bounds{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

// Extend grows the box to include p.
func (b *Bounds) Extend(p Vec3) {
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Min.Z = math.Min(b.Min.Z, p.Z)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
	b.Max.Z = math.Max(b.Max.Z, p.Z)
}

// Size returns the extent of the box along each axis.
func (b Bounds) Size() Vec3 {
	return b.Max.Sub(b.Min)
}

// Center returns the midpoint of the box.
func (b Bounds) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// IsEmpty reports whether the box has never been extended.
func (b Bounds) IsEmpty() bool {
	return b.Min.X > b.Max.X
}

// Mesh is an immutable triangle soup. Transforms return a new Mesh; callers
// must never mutate the triangle slice after construction.
type Mesh struct {
	Name      string
	Triangles []Triangle
}

// NewMesh creates an empty mesh with the given name.
func NewMesh(name string) *Mesh {
	return &Mesh{Name: name}
}

// FaceCount returns the number of triangles.
func (m *Mesh) FaceCount() int {
	return len(m.Triangles)
}

// VertexCount returns the number of stored vertices. The soup is not
// welded, so shared corners are counted once per face.
func (m *Mesh) VertexCount() int {
	return 3 * len(m.Triangles)
}

// Bounds returns the axis-aligned bounding box of all vertices.
func (m *Mesh) Bounds() Bounds {
	b := NewBounds()
	for _, t := range m.Triangles {
		b.Extend(t.V1)
		b.Extend(t.V2)
		b.Extend(t.V3)
	}
	return b
}

// SurfaceArea returns the sum of all triangle areas in mm².
func (m *Mesh) SurfaceArea() float64 {
	total := 0.0
	for _, t := range m.Triangles {
		total += t.Area()
	}
	return total
}

// Volume returns the signed volume in mm³. The sign depends on the winding
// of the faces; a consistently outward-wound mesh yields a positive value.
func (m *Mesh) Volume() float64 {
	total := 0.0
	for _, t := range m.Triangles {
		total += t.signedVolume()
	}
	return total
}

// Translated returns a copy of the mesh shifted by offset.
func (m *Mesh) Translated(offset Vec3) *Mesh {
	out := &Mesh{Name: m.Name, Triangles: make([]Triangle, len(m.Triangles))}
	for i, t := range m.Triangles {
		out.Triangles[i] = Triangle{
			Normal: t.Normal,
			V1:     t.V1.Add(offset),
			V2:     t.V2.Add(offset),
			V3:     t.V3.Add(offset),
		}
	}
	return out
}

// Merge returns a new mesh containing the triangles of all inputs.
func Merge(name string, meshes ...*Mesh) *Mesh {
	out := NewMesh(name)
	for _, m := range meshes {
		out.Triangles = append(out.Triangles, m.Triangles...)
	}
	return out
}
