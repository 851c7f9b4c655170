package optimizer

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/meridianquant/rebalancer/internal/domain"
)

// Problem is a minimization over the capped simplex:
// sum(w) = 1, 0 <= w_i <= Upper_i.
type Problem struct {
	N             int
	Objective     func(w []float64) float64
	Gradient      func(w, grad []float64)
	Initial       []float64
	Upper         []float64 // nil means no per-name cap
	MaxIterations int
	Tolerance     float64
}

// Solution is a solver result.
type Solution struct {
	Weights    []float64
	Objective  float64
	Iterations int
	Converged  bool
}

// Solver abstracts the quadratic-program backend so it can be swapped
// without touching engine logic.
type Solver interface {
	Solve(ctx context.Context, p Problem) (Solution, error)
}

// ProjectedGradientSolver minimizes by gradient steps followed by Euclidean
// projection onto the capped simplex, with backtracking line search.
type ProjectedGradientSolver struct{}

// NewProjectedGradientSolver creates the default solver.
func NewProjectedGradientSolver() *ProjectedGradientSolver {
	return &ProjectedGradientSolver{}
}

// Solve runs projected gradient descent. The context deadline is the solve's
// time budget; exceeding it returns a solver_timeout error rather than a
// partial answer.
func (s *ProjectedGradientSolver) Solve(ctx context.Context, p Problem) (Solution, error) {
	if p.N == 0 {
		return Solution{}, domain.Validationf("", "empty universe")
	}
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 5000
	}
	tol := p.Tolerance
	if tol <= 0 {
		tol = 1e-10
	}

	w := make([]float64, p.N)
	copy(w, p.Initial)
	projectCappedSimplex(w, p.Upper)

	grad := make([]float64, p.N)
	trial := make([]float64, p.N)

	f := p.Objective(w)
	step := 1.0
	iterations := 0

	for iter := 0; iter < maxIter; iter++ {
		iterations = iter + 1

		select {
		case <-ctx.Done():
			return Solution{}, domain.NewError(domain.KindSolverTimeout,
				"solver exceeded its time budget", "")
		default:
		}

		p.Gradient(w, grad)

		// Backtracking: shrink the step until the projected point improves.
		improved := false
		for bt := 0; bt < 40; bt++ {
			for i := range trial {
				trial[i] = w[i] - step*grad[i]
			}
			projectCappedSimplex(trial, p.Upper)
			ft := p.Objective(trial)
			if ft < f {
				copy(w, trial)
				delta := f - ft
				f = ft
				improved = true
				// Cautious step growth after an accepted move.
				step *= 1.5
				if delta < tol {
					return Solution{Weights: w, Objective: f, Iterations: iterations, Converged: true}, nil
				}
				break
			}
			step *= 0.5
			if step < 1e-14 {
				break
			}
		}

		if !improved {
			// No descent direction at numerical precision: stationary point.
			return Solution{Weights: w, Objective: f, Iterations: iterations, Converged: true}, nil
		}
	}

	return Solution{Weights: w, Objective: f, Iterations: iterations, Converged: false}, nil
}

// projectCappedSimplex projects v in place onto
// {w : sum(w) = 1, 0 <= w_i <= upper_i} by bisecting on the shift theta in
// w_i = clamp(v_i - theta, 0, upper_i). upper may be nil (cap 1).
func projectCappedSimplex(v []float64, upper []float64) {
	capAt := func(i int) float64 {
		if upper == nil {
			return 1.0
		}
		return upper[i]
	}

	sumAt := func(theta float64) float64 {
		total := 0.0
		for i := range v {
			w := v[i] - theta
			if w < 0 {
				w = 0
			} else if c := capAt(i); w > c {
				w = c
			}
			total += w
		}
		return total
	}

	lo := floats.Min(v) - 1
	hi := floats.Max(v)
	for iter := 0; iter < 100; iter++ {
		mid := (lo + hi) / 2
		if sumAt(mid) > 1 {
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1e-12 {
			break
		}
	}
	theta := (lo + hi) / 2

	for i := range v {
		w := v[i] - theta
		if w < 0 {
			w = 0
		} else if c := capAt(i); w > c {
			w = c
		}
		v[i] = w
	}
}

// FeasibleCappedSimplex reports whether the capped simplex is non-empty:
// the caps must sum to at least 1.
func FeasibleCappedSimplex(n int, upper []float64) bool {
	if upper == nil {
		return n > 0
	}
	total := 0.0
	for _, u := range upper {
		total += math.Max(u, 0)
	}
	return total >= 1-1e-9
}
