package geometry

import (
	"fmt"
	"math"
	"math/rand"
)

// Orientation search methods.
const (
	MethodAuto     = "auto"
	MethodGradient = "gradient"
	MethodGrid     = "grid"
)

// gradientComplexityLimit is the face count above which the auto method
// switches from gradient ascent to grid search.
const gradientComplexityLimit = 50000

// OptimizerConfig controls the orientation search.
type OptimizerConfig struct {
	Method               string  // auto, gradient, or grid
	ImprovementThreshold float64 // minimum contact-area gain (%) to apply the rotation
	MaxIterations        int     // gradient ascent step limit
	LearningRate         float64 // gradient ascent step size
	RotationStep         float64 // grid search step in degrees
	MaxRotations         int     // grid search evaluation cap
}

// DefaultOptimizerConfig returns the standard search parameters.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Method:               MethodAuto,
		ImprovementThreshold: 5.0,
		MaxIterations:        50,
		LearningRate:         0.1,
		RotationStep:         30,
		MaxRotations:         500,
	}
}

// Diagnostics describes how the search behaved.
type Diagnostics struct {
	Method        string    `json:"method"`
	Evaluations   int       `json:"evaluations"`
	Iterations    int       `json:"iterations"`
	GradientNorms []float64 `json:"gradient_norms,omitempty"`
	Converged     bool      `json:"converged"`
	Fault         string    `json:"fault,omitempty"`
}

// RotationResult is the outcome of an orientation search.
type RotationResult struct {
	Rotation       Rotation    `json:"rotation"`
	ContactArea    float64     `json:"contact_area"`
	OriginalArea   float64     `json:"original_area"`
	ImprovementPct float64     `json:"improvement_pct"`
	Applied        bool        `json:"applied"`
	Diagnostics    Diagnostics `json:"diagnostics"`
}

// strategicSeeds are the fixed phase-1 orientations for the multistart
// gradient search, in degrees about X, Y, Z.
var strategicSeeds = [][3]float64{
	{0, 0, 0},
	{90, 0, 0},
	{180, 0, 0},
	{0, 90, 0},
	{0, 180, 0},
	{0, 0, 90},
	{90, 90, 0},
	{180, 90, 0},
}

// randomSeedCount is the number of reproducible pseudo-random seeds added
// to the strategic set.
const randomSeedCount = 7

// OptimizeOrientation searches for the rotation that maximizes the mesh's
// contact area with the build plate. It never panics across this boundary:
// any internal failure yields the identity rotation with the fault recorded
// in the diagnostics.
func OptimizeOrientation(m *Mesh, cfg OptimizerConfig) (result RotationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RotationResult{
				Rotation:    IdentityRotation(),
				Diagnostics: Diagnostics{Method: cfg.Method, Fault: fmt.Sprintf("internal fault: %v", r)},
			}
		}
	}()

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.RotationStep <= 0 {
		cfg.RotationStep = 30
	}
	if cfg.MaxRotations <= 0 {
		cfg.MaxRotations = 500
	}

	original := ContactArea(m, IdentityRotation())

	method := cfg.Method
	if method == "" || method == MethodAuto {
		if m.FaceCount() < gradientComplexityLimit {
			method = MethodGradient
		} else {
			method = MethodGrid
		}
	}

	var best [3]float64
	var bestArea float64
	var diag Diagnostics
	switch method {
	case MethodGradient:
		best, bestArea, diag = gradientSearch(m, cfg)
	case MethodGrid:
		best, bestArea, diag = gridSearch(m, cfg)
	default:
		return RotationResult{
			Rotation:     IdentityRotation(),
			ContactArea:  original,
			OriginalArea: original,
			Diagnostics:  Diagnostics{Method: method, Fault: fmt.Sprintf("unknown method %q", method)},
		}
	}

	improvement := 0.0
	if original > 0 {
		improvement = (bestArea - original) / original * 100
	} else if bestArea > 0 {
		improvement = 100
	}

	rot := NewRotation(best[0], best[1], best[2])
	applied := improvement > cfg.ImprovementThreshold && !rot.IsIdentity()
	if !applied {
		rot = IdentityRotation()
		bestArea = original
		improvement = 0
	}

	return RotationResult{
		Rotation:       rot,
		ContactArea:    bestArea,
		OriginalArea:   original,
		ImprovementPct: improvement,
		Applied:        applied,
		Diagnostics:    diag,
	}
}

// gradientSearch runs the two-phase multistart search: evaluate the seed
// set, then refine the best seed by steepest ascent with momentum.
func gradientSearch(m *Mesh, cfg OptimizerConfig) ([3]float64, float64, Diagnostics) {
	const (
		momentum     = 0.9
		gradientStep = 1e-3
		gradientStop = 1e-4
	)

	diag := Diagnostics{Method: MethodGradient}

	score := func(a [3]float64) float64 {
		diag.Evaluations++
		return ContactArea(m, NewRotation(a[0], a[1], a[2]))
	}

	// Phase 1: strategic seeds plus reproducible pseudo-random seeds.
	rng := rand.New(rand.NewSource(42))
	seeds := make([][3]float64, 0, len(strategicSeeds)+randomSeedCount)
	seeds = append(seeds, strategicSeeds...)
	for i := 0; i < randomSeedCount; i++ {
		seeds = append(seeds, [3]float64{
			rng.Float64() * 360,
			rng.Float64() * 360,
			rng.Float64() * 360,
		})
	}

	best := seeds[0]
	bestArea := score(best)
	for _, s := range seeds[1:] {
		if a := score(s); a > bestArea {
			best, bestArea = s, a
		}
	}

	// Phase 2: steepest ascent with momentum from the best seed.
	angles := best
	var velocity [3]float64
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		diag.Iterations++

		var grad [3]float64
		for axis := 0; axis < 3; axis++ {
			plus, minus := angles, angles
			plus[axis] += gradientStep
			minus[axis] -= gradientStep
			grad[axis] = (score(plus) - score(minus)) / (2 * gradientStep)
		}

		norm := math.Sqrt(grad[0]*grad[0] + grad[1]*grad[1] + grad[2]*grad[2])
		diag.GradientNorms = append(diag.GradientNorms, norm)
		if norm < gradientStop {
			diag.Converged = true
			break
		}

		for axis := 0; axis < 3; axis++ {
			velocity[axis] = momentum*velocity[axis] + cfg.LearningRate*grad[axis]
			angles[axis] = NormalizeAngle(angles[axis] + velocity[axis])
		}

		if a := score(angles); a > bestArea {
			best, bestArea = angles, a
		}
	}

	return best, bestArea, diag
}

// gridSearch enumerates a coarse product of axis angles at RotationStep,
// capped at MaxRotations evaluations, and returns the argmax.
func gridSearch(m *Mesh, cfg OptimizerConfig) ([3]float64, float64, Diagnostics) {
	diag := Diagnostics{Method: MethodGrid}

	best := [3]float64{}
	bestArea := ContactArea(m, IdentityRotation())
	diag.Evaluations = 1

	step := cfg.RotationStep
	for x := 0.0; x < 360; x += step {
		for y := 0.0; y < 360; y += step {
			for z := 0.0; z < 360; z += step {
				if x == 0 && y == 0 && z == 0 {
					continue
				}
				if diag.Evaluations >= cfg.MaxRotations {
					return best, bestArea, diag
				}
				diag.Evaluations++
				if a := ContactArea(m, NewRotation(x, y, z)); a > bestArea {
					best, bestArea = [3]float64{x, y, z}, a
				}
			}
		}
	}
	diag.Converged = true
	return best, bestArea, diag
}
