package geometry

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const (
	// contactThreshold is how far above the lowest Z a triangle centroid may
	// sit and still count as touching the plate, in mm.
	contactThreshold = 0.5

	// hullFallbackMin is the triangle-sum below which the convex-hull
	// fallback takes over, in mm².
	hullFallbackMin = 0.01

	// degeneratePointArea is the contact area reported for a single
	// near-floor point.
	degeneratePointArea = 0.01

	// degenerateEdgeWidth is the assumed contact width of a near-floor
	// edge, in mm.
	degenerateEdgeWidth = 0.1
)

// ContactArea scores how much of the mesh rests on the build plate after
// applying rotation r. It sums the areas of triangles whose centroid lies
// within contactThreshold of the lowest rotated Z. When that sum is
// negligible (a mesh balancing on edges or points), it falls back to the
// area of the 2D convex hull of near-floor vertices.
func ContactArea(m *Mesh, r Rotation) float64 {
	if len(m.Triangles) == 0 {
		return 0
	}

	zMin := math.Inf(1)
	rotated := make([]Triangle, len(m.Triangles))
	for i, t := range m.Triangles {
		rt := Triangle{V1: r.Apply(t.V1), V2: r.Apply(t.V2), V3: r.Apply(t.V3)}
		rotated[i] = rt
		zMin = math.Min(zMin, math.Min(rt.V1.Z, math.Min(rt.V2.Z, rt.V3.Z)))
	}

	cutoff := zMin + contactThreshold
	area := 0.0
	for _, t := range rotated {
		if t.Centroid().Z <= cutoff {
			area += t.Area()
		}
	}
	if area >= hullFallbackMin {
		return area
	}

	// Fallback: project the near-floor vertices onto the XY plane and take
	// the area of their convex hull.
	var floor []orb.Point
	for _, t := range rotated {
		for _, v := range []Vec3{t.V1, t.V2, t.V3} {
			if v.Z <= cutoff {
				floor = append(floor, orb.Point{v.X, v.Y})
			}
		}
	}
	return hullArea(dedupPoints(floor))
}

// hullArea returns the area of the convex hull of the given points, with
// documented degenerate fallbacks: no points → 0, one point → a small
// constant, two points → segment length times an assumed edge width.
func hullArea(points []orb.Point) float64 {
	switch len(points) {
	case 0:
		return 0
	case 1:
		return degeneratePointArea
	case 2:
		return planar.Distance(points[0], points[1]) * degenerateEdgeWidth
	}

	hull := convexHull(points)
	if len(hull) < 3 {
		// Collinear input degenerates to an edge.
		if len(hull) == 2 {
			return planar.Distance(hull[0], hull[1]) * degenerateEdgeWidth
		}
		return degeneratePointArea
	}

	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	ring = append(ring, hull[0])
	a := planar.Area(ring)
	return math.Abs(a)
}

func dedupPoints(points []orb.Point) []orb.Point {
	seen := make(map[orb.Point]struct{}, len(points))
	out := points[:0]
	for _, p := range points {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// convexHull computes the convex hull of 2D points using the monotone
// chain algorithm. Returns the hull in counter-clockwise order without a
// closing point.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	// cross returns the cross product of vectors OA and OB
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	// Lower hull
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Upper hull
	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// Remove last point (duplicate of first)
	return hull[:len(hull)-1]
}
