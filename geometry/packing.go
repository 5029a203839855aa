package geometry

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// Plate packing algorithms.
const (
	AlgorithmBinPacking = "bin_packing"
	AlgorithmGrid       = "grid"
	AlgorithmSpiral     = "spiral"
)

// BedSize is the build plate rectangle in mm.
type BedSize struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Piece is a part footprint to place on the plate, before spacing
// inflation.
type Piece struct {
	Name   string
	Width  float64
	Height float64
}

// Placement is the absolute lower-left corner of a piece on the bed.
type Placement struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// PlateLayout is an accepted arrangement of pieces on one bed.
type PlateLayout struct {
	Bed         BedSize     `json:"bed"`
	Spacing     float64     `json:"spacing"`
	Algorithm   string      `json:"algorithm"`
	Placements  []Placement `json:"placements"`
	Utilization float64     `json:"utilization"`
}

// PackPlate arranges the pieces on the bed using the requested algorithm.
// Footprints are inflated by spacing on each axis before placement. If the
// bin-packing algorithm cannot seat every piece, it falls back to the grid
// algorithm; grid and spiral failures reject the layout as a whole.
func PackPlate(pieces []Piece, bed BedSize, spacing float64, algorithm string) (*PlateLayout, error) {
	if len(pieces) == 0 {
		return nil, fmt.Errorf("no pieces to pack")
	}
	if bed.Width <= 0 || bed.Height <= 0 {
		return nil, fmt.Errorf("invalid bed size %gx%g", bed.Width, bed.Height)
	}

	var placements []Placement
	var err error
	used := algorithm

	switch algorithm {
	case AlgorithmBinPacking, "":
		used = AlgorithmBinPacking
		placements, err = packMaxRects(pieces, bed, spacing)
		if err != nil {
			// Whole-layout rejection: retry with the simpler row packer.
			placements, err = packGrid(pieces, bed, spacing)
			if err == nil {
				used = AlgorithmGrid
			}
		}
	case AlgorithmGrid:
		placements, err = packGrid(pieces, bed, spacing)
	case AlgorithmSpiral:
		placements, err = packSpiral(pieces, bed, spacing)
	default:
		return nil, fmt.Errorf("unknown packing algorithm %q", algorithm)
	}
	if err != nil {
		return nil, err
	}

	inflatedArea := 0.0
	for _, p := range pieces {
		inflatedArea += (p.Width + spacing) * (p.Height + spacing)
	}

	layout := &PlateLayout{
		Bed:         bed,
		Spacing:     spacing,
		Algorithm:   used,
		Placements:  placements,
		Utilization: inflatedArea / (bed.Width * bed.Height),
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("packing invariant violated: %w", err)
	}
	return layout, nil
}

// Validate checks the layout invariants: every piece inflated by spacing/2
// lies inside the bed, and pairwise inflated footprints do not overlap.
func (l *PlateLayout) Validate() error {
	half := l.Spacing / 2
	const eps = 1e-9

	bounds := make([]orb.Bound, len(l.Placements))
	for i, p := range l.Placements {
		b := orb.Bound{
			Min: orb.Point{p.X - half, p.Y - half},
			Max: orb.Point{p.X + p.Width + half, p.Y + p.Height + half},
		}
		bounds[i] = b
		if b.Min[0] < -eps || b.Min[1] < -eps ||
			b.Max[0] > l.Bed.Width+eps || b.Max[1] > l.Bed.Height+eps {
			return fmt.Errorf("piece %s extends outside the bed", p.Name)
		}
	}
	for i := 0; i < len(bounds); i++ {
		for j := i + 1; j < len(bounds); j++ {
			if boundsOverlap(bounds[i], bounds[j], eps) {
				return fmt.Errorf("pieces %s and %s overlap", l.Placements[i].Name, l.Placements[j].Name)
			}
		}
	}
	return nil
}

func boundsOverlap(a, b orb.Bound, eps float64) bool {
	return a.Min[0] < b.Max[0]-eps && b.Min[0] < a.Max[0]-eps &&
		a.Min[1] < b.Max[1]-eps && b.Min[1] < a.Max[1]-eps
}

type freeRect struct {
	x, y, w, h float64
}

// packMaxRects is an offline best-fit packer over maximal free rectangles
// using the Best-Long-Side-Fit rule, without piece rotation. Pieces are
// placed in descending footprint-area order. Returns an error if any piece
// cannot be seated.
func packMaxRects(pieces []Piece, bed BedSize, spacing float64) ([]Placement, error) {
	order := make([]Piece, len(pieces))
	copy(order, pieces)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Width*order[i].Height > order[j].Width*order[j].Height
	})

	free := []freeRect{{0, 0, bed.Width, bed.Height}}
	placements := make([]Placement, 0, len(order))

	for _, piece := range order {
		w := piece.Width + spacing
		h := piece.Height + spacing

		bestIdx := -1
		bestLong, bestShort := math.Inf(1), math.Inf(1)
		for i, fr := range free {
			if w > fr.w || h > fr.h {
				continue
			}
			leftW, leftH := fr.w-w, fr.h-h
			long := math.Max(leftW, leftH)
			short := math.Min(leftW, leftH)
			if long < bestLong || (long == bestLong && short < bestShort) {
				bestIdx, bestLong, bestShort = i, long, short
			}
		}
		if bestIdx < 0 {
			return nil, fmt.Errorf("piece %s (%gx%g) does not fit on the bed", piece.Name, piece.Width, piece.Height)
		}

		target := free[bestIdx]
		placed := freeRect{target.x, target.y, w, h}
		placements = append(placements, Placement{
			Name:   piece.Name,
			X:      placed.x + spacing/2,
			Y:      placed.y + spacing/2,
			Width:  piece.Width,
			Height: piece.Height,
		})

		// Split every free rectangle the placement intersects into up to
		// four maximal remainders, then prune contained rectangles.
		var next []freeRect
		for _, fr := range free {
			if !rectsIntersect(fr, placed) {
				next = append(next, fr)
				continue
			}
			if placed.x > fr.x {
				next = append(next, freeRect{fr.x, fr.y, placed.x - fr.x, fr.h})
			}
			if placed.x+placed.w < fr.x+fr.w {
				next = append(next, freeRect{placed.x + placed.w, fr.y, fr.x + fr.w - placed.x - placed.w, fr.h})
			}
			if placed.y > fr.y {
				next = append(next, freeRect{fr.x, fr.y, fr.w, placed.y - fr.y})
			}
			if placed.y+placed.h < fr.y+fr.h {
				next = append(next, freeRect{fr.x, placed.y + placed.h, fr.w, fr.y + fr.h - placed.y - placed.h})
			}
		}
		free = pruneContained(next)
	}
	return placements, nil
}

func rectsIntersect(a, b freeRect) bool {
	return a.x < b.x+b.w && b.x < a.x+a.w && a.y < b.y+b.h && b.y < a.y+a.h
}

func pruneContained(rects []freeRect) []freeRect {
	out := rects[:0]
	for i, r := range rects {
		contained := false
		for j, o := range rects {
			if i == j {
				continue
			}
			if r.x >= o.x && r.y >= o.y &&
				r.x+r.w <= o.x+o.w && r.y+r.h <= o.y+o.h &&
				(r.w < o.w || r.h < o.h || j < i) {
				contained = true
				break
			}
		}
		if !contained && r.w > 1e-9 && r.h > 1e-9 {
			out = append(out, r)
		}
	}
	return out
}

// packGrid lays pieces left-to-right in rows, advancing y by the tallest
// piece of the current row. Rejects the layout if a piece would exceed the
// bed height.
func packGrid(pieces []Piece, bed BedSize, spacing float64) ([]Placement, error) {
	placements := make([]Placement, 0, len(pieces))
	x, y, rowH := 0.0, 0.0, 0.0

	for _, piece := range pieces {
		w := piece.Width + spacing
		h := piece.Height + spacing
		if w > bed.Width {
			return nil, fmt.Errorf("piece %s is wider than the bed", piece.Name)
		}
		if x+w > bed.Width {
			x = 0
			y += rowH
			rowH = 0
		}
		if y+h > bed.Height {
			return nil, fmt.Errorf("piece %s exceeds bed height", piece.Name)
		}
		placements = append(placements, Placement{
			Name:   piece.Name,
			X:      x + spacing/2,
			Y:      y + spacing/2,
			Width:  piece.Width,
			Height: piece.Height,
		})
		x += w
		rowH = math.Max(rowH, h)
	}
	return placements, nil
}

// packSpiral seats pieces from the bed center outward along an
// Archimedean-like spiral, trying increasing radii until the piece fits
// without overlap. Rejects the layout if a piece cannot be seated within
// the bed bounds.
func packSpiral(pieces []Piece, bed BedSize, spacing float64) ([]Placement, error) {
	cx, cy := bed.Width/2, bed.Height/2
	maxRadius := math.Hypot(bed.Width, bed.Height) / 2

	var occupied []orb.Bound
	placements := make([]Placement, 0, len(pieces))

	for _, piece := range pieces {
		w := piece.Width + spacing
		h := piece.Height + spacing

		seated := false
		radiusStep := math.Min(w, h) / 4
		if radiusStep <= 0 {
			radiusStep = 1
		}
	search:
		for r := 0.0; r <= maxRadius; r += radiusStep {
			steps := 1
			if r > 0 {
				// More angular samples as the ring grows.
				steps = int(math.Max(8, 2*math.Pi*r/radiusStep))
			}
			for s := 0; s < steps; s++ {
				theta := 2 * math.Pi * float64(s) / float64(steps)
				px := cx + r*math.Cos(theta) - w/2
				py := cy + r*math.Sin(theta) - h/2
				cand := orb.Bound{
					Min: orb.Point{px, py},
					Max: orb.Point{px + w, py + h},
				}
				if cand.Min[0] < 0 || cand.Min[1] < 0 ||
					cand.Max[0] > bed.Width || cand.Max[1] > bed.Height {
					continue
				}
				clear := true
				for _, o := range occupied {
					if boundsOverlap(cand, o, 1e-9) {
						clear = false
						break
					}
				}
				if clear {
					occupied = append(occupied, cand)
					placements = append(placements, Placement{
						Name:   piece.Name,
						X:      px + spacing/2,
						Y:      py + spacing/2,
						Width:  piece.Width,
						Height: piece.Height,
					})
					seated = true
					break search
				}
			}
		}
		if !seated {
			return nil, fmt.Errorf("piece %s cannot be seated on the spiral", piece.Name)
		}
	}
	return placements, nil
}

// BuildPlate packs the given meshes onto one bed and merges them into a
// single plate mesh. Each mesh is translated so its XY minimum sits at its
// placement and its lowest point rests on the plate. Mesh order follows
// the input slice; names must be unique.
func BuildPlate(meshes []*Mesh, bed BedSize, spacing float64, algorithm string) (*Mesh, *PlateLayout, error) {
	pieces := make([]Piece, len(meshes))
	boundsByName := make(map[string]Bounds, len(meshes))
	for i, m := range meshes {
		b := m.Bounds()
		if b.IsEmpty() {
			return nil, nil, fmt.Errorf("mesh %s is empty", m.Name)
		}
		size := b.Size()
		pieces[i] = Piece{Name: m.Name, Width: size.X, Height: size.Y}
		boundsByName[m.Name] = b
	}

	layout, err := PackPlate(pieces, bed, spacing, algorithm)
	if err != nil {
		return nil, nil, err
	}

	byName := make(map[string]*Mesh, len(meshes))
	for _, m := range meshes {
		byName[m.Name] = m
	}

	combined := NewMesh("combined_plating")
	for _, p := range layout.Placements {
		m := byName[p.Name]
		b := boundsByName[p.Name]
		offset := Vec3{X: p.X - b.Min.X, Y: p.Y - b.Min.Y, Z: -b.Min.Z}
		combined.Triangles = append(combined.Triangles, m.Translated(offset).Triangles...)
	}
	return combined, layout, nil
}
