//go:build no_cgo

package optimize

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Solver mimics the type in the cgo compiled code.
type Solver struct{}

// NewSolver is not supported on no_cgo builds.
func NewSolver(logger golog.Logger) *Solver {
	return &Solver{}
}

// Solve refuses to solve problems without cgo.
func (s *Solver) Solve(ctx context.Context, problem Problem, x0 []float64, maxIterations int) ([]float64, Summary, error) {
	return nil, Summary{}, errors.New("nlopt is not supported on this build")
}
