package geometry

import (
	"fmt"
	"math"
)

// VoxelGrid is a dense 3D occupancy bitmap. Cell (0,0,0) has its minimum
// corner at Origin; each cell spans Resolution mm per axis.
type VoxelGrid struct {
	Origin     Vec3
	Resolution float64
	NX, NY, NZ int

	data []bool
}

// NewVoxelGrid allocates an empty grid of the given dimensions.
func NewVoxelGrid(origin Vec3, resolution float64, nx, ny, nz int) (*VoxelGrid, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("voxel resolution must be positive, got %g", resolution)
	}
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid voxel grid dimensions %dx%dx%d", nx, ny, nz)
	}
	return &VoxelGrid{
		Origin:     origin,
		Resolution: resolution,
		NX:         nx,
		NY:         ny,
		NZ:         nz,
		data:       make([]bool, nx*ny*nz),
	}, nil
}

// NewBedGrid allocates an empty grid spanning a build volume anchored at
// the world origin.
func NewBedGrid(bed BedSize, height, resolution float64) (*VoxelGrid, error) {
	nx := int(math.Ceil(bed.Width / resolution))
	ny := int(math.Ceil(bed.Height / resolution))
	nz := int(math.Ceil(height / resolution))
	return NewVoxelGrid(Vec3{}, resolution, nx, ny, nz)
}

func (g *VoxelGrid) index(i, j, k int) int {
	return (k*g.NY+j)*g.NX + i
}

func (g *VoxelGrid) inGrid(i, j, k int) bool {
	return i >= 0 && i < g.NX && j >= 0 && j < g.NY && k >= 0 && k < g.NZ
}

// At reports whether the cell is occupied. Out-of-grid cells read as empty.
func (g *VoxelGrid) At(i, j, k int) bool {
	if !g.inGrid(i, j, k) {
		return false
	}
	return g.data[g.index(i, j, k)]
}

// Set marks a cell occupied. Out-of-grid cells are ignored.
func (g *VoxelGrid) Set(i, j, k int) {
	if g.inGrid(i, j, k) {
		g.data[g.index(i, j, k)] = true
	}
}

// OccupiedCount returns the number of occupied cells.
func (g *VoxelGrid) OccupiedCount() int {
	n := 0
	for _, b := range g.data {
		if b {
			n++
		}
	}
	return n
}

// CellOf maps a world point to its cell indices, which may lie outside the
// grid.
func (g *VoxelGrid) CellOf(p Vec3) (int, int, int) {
	return int(math.Floor((p.X - g.Origin.X) / g.Resolution)),
		int(math.Floor((p.Y - g.Origin.Y) / g.Resolution)),
		int(math.Floor((p.Z - g.Origin.Z) / g.Resolution))
}

// CellCenter returns the world-space center of a cell.
func (g *VoxelGrid) CellCenter(i, j, k int) Vec3 {
	return Vec3{
		X: g.Origin.X + (float64(i)+0.5)*g.Resolution,
		Y: g.Origin.Y + (float64(j)+0.5)*g.Resolution,
		Z: g.Origin.Z + (float64(k)+0.5)*g.Resolution,
	}
}

// meshCells visits every cell touched by the mesh surface translated by
// offset. Triangles are sampled at half-resolution steps in barycentric
// space, which closes gaps at the grid's resolution.
func (g *VoxelGrid) meshCells(m *Mesh, offset Vec3, visit func(i, j, k int)) {
	step := g.Resolution / 2
	for _, t := range m.Triangles {
		v1 := t.V1.Add(offset)
		v2 := t.V2.Add(offset)
		v3 := t.V3.Add(offset)

		longest := math.Max(v2.Sub(v1).Length(), math.Max(v3.Sub(v1).Length(), v3.Sub(v2).Length()))
		n := int(math.Ceil(longest/step)) + 1

		for a := 0; a <= n; a++ {
			for b := 0; a+b <= n; b++ {
				u := float64(a) / float64(n)
				v := float64(b) / float64(n)
				p := v1.Scale(1 - u - v).Add(v2.Scale(u)).Add(v3.Scale(v))
				visit(g.CellOf(p))
			}
		}
	}
}

// UnionMesh voxelizes the mesh surface translated by offset and ORs it
// into the grid. The union is monotone: bits are never cleared. Cells
// falling outside the grid are dropped.
func (g *VoxelGrid) UnionMesh(m *Mesh, offset Vec3) {
	g.meshCells(m, offset, g.Set)
}

// Collides reports whether placing the mesh at offset would intersect an
// already-occupied cell or fall outside the grid.
func (g *VoxelGrid) Collides(m *Mesh, offset Vec3) bool {
	hit := false
	g.meshCells(m, offset, func(i, j, k int) {
		if hit {
			return
		}
		if !g.inGrid(i, j, k) || g.data[g.index(i, j, k)] {
			hit = true
		}
	})
	return hit
}

// VoxelizeMesh builds a grid fitted to the mesh bounds with a one-cell
// margin and voxelizes the surface into it.
func VoxelizeMesh(m *Mesh, resolution float64) (*VoxelGrid, error) {
	b := m.Bounds()
	if b.IsEmpty() {
		return nil, fmt.Errorf("cannot voxelize empty mesh")
	}
	size := b.Size()
	nx := int(math.Ceil(size.X/resolution)) + 2
	ny := int(math.Ceil(size.Y/resolution)) + 2
	nz := int(math.Ceil(size.Z/resolution)) + 2

	origin := b.Min.Sub(Vec3{resolution, resolution, resolution})
	g, err := NewVoxelGrid(origin, resolution, nx, ny, nz)
	if err != nil {
		return nil, err
	}
	g.UnionMesh(m, Vec3{})
	return g, nil
}

// FilledInterior returns a copy of the grid with interior cavities filled.
// Exterior cells are found by flood fill from the grid boundary; everything
// else is solid.
func (g *VoxelGrid) FilledInterior() *VoxelGrid {
	out := &VoxelGrid{
		Origin:     g.Origin,
		Resolution: g.Resolution,
		NX:         g.NX,
		NY:         g.NY,
		NZ:         g.NZ,
		data:       make([]bool, len(g.data)),
	}

	exterior := make([]bool, len(g.data))
	var queue [][3]int
	push := func(i, j, k int) {
		if !g.inGrid(i, j, k) {
			return
		}
		idx := g.index(i, j, k)
		if exterior[idx] || g.data[idx] {
			return
		}
		exterior[idx] = true
		queue = append(queue, [3]int{i, j, k})
	}

	for i := 0; i < g.NX; i++ {
		for j := 0; j < g.NY; j++ {
			push(i, j, 0)
			push(i, j, g.NZ-1)
		}
	}
	for i := 0; i < g.NX; i++ {
		for k := 0; k < g.NZ; k++ {
			push(i, 0, k)
			push(i, g.NY-1, k)
		}
	}
	for j := 0; j < g.NY; j++ {
		for k := 0; k < g.NZ; k++ {
			push(0, j, k)
			push(g.NX-1, j, k)
		}
	}

	for len(queue) > 0 {
		c := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		push(c[0]+1, c[1], c[2])
		push(c[0]-1, c[1], c[2])
		push(c[0], c[1]+1, c[2])
		push(c[0], c[1]-1, c[2])
		push(c[0], c[1], c[2]+1)
		push(c[0], c[1], c[2]-1)
	}

	for idx := range out.data {
		out.data[idx] = !exterior[idx]
	}
	return out
}
