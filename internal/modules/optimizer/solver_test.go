package optimizer

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/meridianquant/rebalancer/internal/domain"
)

func TestProjectCappedSimplex(t *testing.T) {
	tests := []struct {
		name  string
		v     []float64
		upper []float64
		want  []float64
	}{
		{
			name: "Already feasible point is unchanged",
			v:    []float64{0.6, 0.4},
			want: []float64{0.6, 0.4},
		},
		{
			name: "Uniform overweight shrinks evenly",
			v:    []float64{0.6, 0.6},
			want: []float64{0.5, 0.5},
		},
		{
			name: "Negative entries clamp to zero",
			v:    []float64{1.5, -0.5},
			want: []float64{1.0, 0.0},
		},
		{
			name:  "Caps bind and the rest absorbs",
			v:     []float64{0.9, 0.3, 0.3},
			upper: []float64{0.5, 0.5, 0.5},
			want:  []float64{0.5, 0.25, 0.25},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := make([]float64, len(tt.v))
			copy(v, tt.v)
			projectCappedSimplex(v, tt.upper)

			total := 0.0
			for i := range v {
				total += v[i]
				if math.Abs(v[i]-tt.want[i]) > 1e-6 {
					t.Errorf("v[%d] = %v, want %v", i, v[i], tt.want[i])
				}
				if v[i] < -1e-9 {
					t.Errorf("v[%d] = %v, negative weight", i, v[i])
				}
				if tt.upper != nil && v[i] > tt.upper[i]+1e-9 {
					t.Errorf("v[%d] = %v exceeds cap %v", i, v[i], tt.upper[i])
				}
			}
			if math.Abs(total-1) > 1e-6 {
				t.Errorf("sum = %v, want 1", total)
			}
		})
	}
}

func TestFeasibleCappedSimplex(t *testing.T) {
	if FeasibleCappedSimplex(0, nil) {
		t.Error("empty universe must be infeasible")
	}
	if !FeasibleCappedSimplex(3, nil) {
		t.Error("uncapped non-empty universe is always feasible")
	}
	if FeasibleCappedSimplex(3, []float64{0.2, 0.2, 0.2}) {
		t.Error("caps summing to 0.6 cannot hold a full budget")
	}
	if !FeasibleCappedSimplex(3, []float64{0.5, 0.5, 0.5}) {
		t.Error("caps summing to 1.5 are feasible")
	}
}

func TestSolveQuadraticBowl(t *testing.T) {
	// minimize sum (w_i - c_i)^2 with c inside the simplex; the optimum is c.
	c := []float64{0.5, 0.3, 0.2}
	solver := NewProjectedGradientSolver()

	solution, err := solver.Solve(context.Background(), Problem{
		N: 3,
		Objective: func(w []float64) float64 {
			total := 0.0
			for i := range w {
				d := w[i] - c[i]
				total += d * d
			}
			return total
		},
		Gradient: func(w, grad []float64) {
			for i := range w {
				grad[i] = 2 * (w[i] - c[i])
			}
		},
		Initial: []float64{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	for i := range c {
		if math.Abs(solution.Weights[i]-c[i]) > 1e-4 {
			t.Errorf("w[%d] = %v, want %v", i, solution.Weights[i], c[i])
		}
	}
	if !solution.Converged {
		t.Error("a smooth bowl should converge")
	}
}

func TestSolveRespectsDeadline(t *testing.T) {
	solver := NewProjectedGradientSolver()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	slow := func(w []float64) float64 {
		total := 0.0
		for i := range w {
			total += w[i] * w[i]
		}
		return total
	}
	_, err := solver.Solve(ctx, Problem{
		N:         2,
		Objective: slow,
		Gradient: func(w, grad []float64) {
			for i := range w {
				grad[i] = 2 * w[i]
			}
		},
		Initial: []float64{0.5, 0.5},
	})
	if !domain.IsKind(err, domain.KindSolverTimeout) {
		t.Errorf("expected a solver_timeout error, got %v", err)
	}
}

func TestSolveEmptyProblem(t *testing.T) {
	solver := NewProjectedGradientSolver()
	_, err := solver.Solve(context.Background(), Problem{N: 0})
	if !domain.IsKind(err, domain.KindValidation) {
		t.Errorf("expected a validation error, got %v", err)
	}
}
