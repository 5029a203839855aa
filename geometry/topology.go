package geometry

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Hollow shape classes.
const (
	HollowCylindrical = "cylindrical"
	HollowRectangular = "rectangular"
	HollowSpherical   = "spherical"
	HollowIrregular   = "irregular"
)

// DefaultDensityThreshold is the solid-fraction below which a mesh is
// considered to contain a usable hollow.
const DefaultDensityThreshold = 0.85

// DBSCAN parameters for hollow-voxel clustering, in voxel units.
const (
	hollowClusterEpsilon = 2.0
	hollowClusterMinPts  = 5
)

// HollowAnalysis describes the interior cavities of a mesh.
type HollowAnalysis struct {
	HasHollow    bool    `json:"has_hollow"`
	Density      float64 `json:"density"`
	HollowVolume float64 `json:"hollow_volume"` // mm³
	HollowBounds Bounds  `json:"hollow_bounds"` // world AABB of the largest region
	HollowType   string  `json:"hollow_type"`
	RegionCount  int     `json:"n_hollow_regions"`
}

// AnalyzeHollows voxelizes the mesh and its per-slice convex hull, fills
// both, and reports the cavities between them. densityThreshold defaults
// to DefaultDensityThreshold when zero.
//
// The expected solid is approximated by filling the 2D convex hull of the
// occupied cells in each Z slice, which is exact for parts whose silhouette
// does not re-enter along Z and avoids a full 3D hull.
func AnalyzeHollows(m *Mesh, resolution, densityThreshold float64) (*HollowAnalysis, error) {
	if densityThreshold <= 0 {
		densityThreshold = DefaultDensityThreshold
	}

	surface, err := VoxelizeMesh(m, resolution)
	if err != nil {
		return nil, err
	}
	solid := surface.FilledInterior()
	hull := sliceHullFill(solid)

	solidCount := solid.OccupiedCount()
	hullCount := hull.OccupiedCount()
	if hullCount == 0 {
		return nil, fmt.Errorf("mesh produced no hull voxels at resolution %g", resolution)
	}

	var hollow [][3]int
	for k := 0; k < hull.NZ; k++ {
		for j := 0; j < hull.NY; j++ {
			for i := 0; i < hull.NX; i++ {
				if hull.At(i, j, k) && !solid.At(i, j, k) {
					hollow = append(hollow, [3]int{i, j, k})
				}
			}
		}
	}

	density := float64(solidCount) / float64(hullCount)
	analysis := &HollowAnalysis{
		Density:    density,
		HollowType: HollowIrregular,
	}
	if density >= densityThreshold || len(hollow) == 0 {
		return analysis, nil
	}

	clusters := dbscan(hollow, hollowClusterEpsilon, hollowClusterMinPts)
	if len(clusters) == 0 {
		// Hollow voxels exist but are too scattered to form a region.
		return analysis, nil
	}

	analysis.HasHollow = true
	analysis.RegionCount = len(clusters)
	analysis.HollowVolume = float64(len(hollow)) * resolution * resolution * resolution

	largest := clusters[0]
	for _, c := range clusters[1:] {
		if len(c) > len(largest) {
			largest = c
		}
	}

	b := NewBounds()
	coords := make([]Vec3, len(largest))
	for i, cell := range largest {
		p := surface.CellCenter(cell[0], cell[1], cell[2])
		coords[i] = p
		b.Extend(p)
	}
	analysis.HollowBounds = b
	analysis.HollowType = classifyHollow(coords)
	return analysis, nil
}

// sliceHullFill returns a grid where each Z slice is the filled 2D convex
// hull of that slice's occupied cells.
func sliceHullFill(g *VoxelGrid) *VoxelGrid {
	out := &VoxelGrid{
		Origin:     g.Origin,
		Resolution: g.Resolution,
		NX:         g.NX,
		NY:         g.NY,
		NZ:         g.NZ,
		data:       make([]bool, len(g.data)),
	}

	for k := 0; k < g.NZ; k++ {
		var pts []orb.Point
		for j := 0; j < g.NY; j++ {
			for i := 0; i < g.NX; i++ {
				if g.At(i, j, k) {
					pts = append(pts, orb.Point{float64(i), float64(j)})
				}
			}
		}
		if len(pts) == 0 {
			continue
		}
		if len(pts) < 3 {
			for _, p := range pts {
				out.Set(int(p[0]), int(p[1]), k)
			}
			continue
		}

		hull := convexHull(pts)
		if len(hull) < 3 {
			for _, p := range pts {
				out.Set(int(p[0]), int(p[1]), k)
			}
			continue
		}
		ring := make(orb.Ring, 0, len(hull)+1)
		ring = append(ring, hull...)
		ring = append(ring, hull[0])

		bound := ring.Bound()
		for j := int(bound.Min[1]); j <= int(bound.Max[1]); j++ {
			for i := int(bound.Min[0]); i <= int(bound.Max[0]); i++ {
				if planar.RingContains(ring, orb.Point{float64(i), float64(j)}) {
					out.Set(i, j, k)
				}
			}
		}
	}
	return out
}

// dbscan clusters voxel coordinates with the classic density-based
// algorithm. Noise points are discarded. Clusters are returned largest
// first for deterministic output.
func dbscan(cells [][3]int, epsilon float64, minPts int) [][][3]int {
	const (
		unvisited = 0
		noise     = -1
	)

	index := make(map[[3]int]int, len(cells))
	for i, c := range cells {
		index[c] = i
	}

	r := int(math.Ceil(epsilon))
	epsSq := epsilon * epsilon
	neighbors := func(c [3]int) []int {
		var out []int
		for di := -r; di <= r; di++ {
			for dj := -r; dj <= r; dj++ {
				for dk := -r; dk <= r; dk++ {
					if float64(di*di+dj*dj+dk*dk) > epsSq {
						continue
					}
					if idx, ok := index[[3]int{c[0] + di, c[1] + dj, c[2] + dk}]; ok {
						out = append(out, idx)
					}
				}
			}
		}
		return out
	}

	labels := make([]int, len(cells))
	cluster := 0
	for i := range cells {
		if labels[i] != unvisited {
			continue
		}
		seed := neighbors(cells[i])
		if len(seed) < minPts {
			labels[i] = noise
			continue
		}
		cluster++
		labels[i] = cluster

		for qi := 0; qi < len(seed); qi++ {
			j := seed[qi]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if nb := neighbors(cells[j]); len(nb) >= minPts {
				seed = append(seed, nb...)
			}
		}
	}

	grouped := make(map[int][][3]int)
	for i, label := range labels {
		if label > 0 {
			grouped[label] = append(grouped[label], cells[i])
		}
	}
	out := make([][][3]int, 0, len(grouped))
	for _, c := range grouped {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// classifyHollow runs PCA over the region's voxel centers and maps the
// principal variance ratios to a shape class: one near-zero variance is a
// flat disc (cylindrical bore), near-uniform variances a sphere, one
// dominant axis over two equal minors a rectangular channel.
func classifyHollow(coords []Vec3) string {
	if len(coords) < 3 {
		return HollowIrregular
	}

	var mean Vec3
	for _, c := range coords {
		mean = mean.Add(c)
	}
	mean = mean.Scale(1 / float64(len(coords)))

	var cov [3][3]float64
	for _, c := range coords {
		d := c.Sub(mean)
		v := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += v[i] * v[j]
			}
		}
	}
	n := float64(len(coords))
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			cov[i][j] /= n
		}
	}

	ev := eigenvalues3(cov)
	sort.Sort(sort.Reverse(sort.Float64Slice(ev[:])))
	if ev[0] <= 0 {
		return HollowIrregular
	}

	r1 := ev[1] / ev[0] // second vs dominant
	r2 := ev[2] / ev[0] // smallest vs dominant

	switch {
	case r2 < 0.05:
		return HollowCylindrical
	case r2 > 0.6:
		return HollowSpherical
	case r1 < 0.5 && ev[2]/ev[1] > 0.6:
		return HollowRectangular
	default:
		return HollowIrregular
	}
}

// eigenvalues3 computes the eigenvalues of a symmetric 3×3 matrix by
// cyclic Jacobi rotation.
func eigenvalues3(m [3][3]float64) [3]float64 {
	a := m
	for sweep := 0; sweep < 32; sweep++ {
		off := math.Abs(a[0][1]) + math.Abs(a[0][2]) + math.Abs(a[1][2])
		if off < 1e-12 {
			break
		}
		for p := 0; p < 2; p++ {
			for q := p + 1; q < 3; q++ {
				if math.Abs(a[p][q]) < 1e-15 {
					continue
				}
				theta := (a[q][q] - a[p][p]) / (2 * a[p][q])
				t := 1 / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				if theta < 0 {
					t = -t
				}
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				for k := 0; k < 3; k++ {
					akp, akq := a[k][p], a[k][q]
					a[k][p] = c*akp - s*akq
					a[k][q] = s*akp + c*akq
				}
				for k := 0; k < 3; k++ {
					apk, aqk := a[p][k], a[q][k]
					a[p][k] = c*apk - s*aqk
					a[q][k] = s*apk + c*aqk
				}
			}
		}
	}
	return [3]float64{a[0][0], a[1][1], a[2][2]}
}
