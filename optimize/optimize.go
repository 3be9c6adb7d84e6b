//go:build !no_cgo

package optimize

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	viamutils "go.viam.com/utils"
)

const (
	defaultEpsilon = 1e-12
	defaultJump    = 1e-8
)

var errNoProgress = errors.New("optimizer could not improve on the initial parameters")

// Solver minimizes least-squares problems with NLopt's gradient-based SLSQP,
// using forward-difference gradients. One Solve call is a single blocking
// run; there is no mid-run cancellation other than via the context.
type Solver struct {
	logger  golog.Logger
	epsilon float64
}

// NewSolver returns a Solver logging through the given logger.
func NewSolver(logger golog.Logger) *Solver {
	return &Solver{logger: logger, epsilon: defaultEpsilon}
}

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

// Solve minimizes the problem starting from x0 for at most maxIterations
// objective evaluations. It returns the best parameter vector found and a
// summary; the summary's Status surfaces the solver's own verdict.
func (s *Solver) Solve(ctx context.Context, problem Problem, x0 []float64, maxIterations int) ([]float64, Summary, error) {
	if problem.NumParams != len(x0) {
		return nil, Summary{}, errors.Errorf("seed has length %d, problem has %d parameters", len(x0), problem.NumParams)
	}
	if maxIterations < 1 {
		return nil, Summary{}, errors.Errorf("iteration budget must be positive, got %d", maxIterations)
	}

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(problem.NumParams))
	if err != nil {
		return nil, Summary{}, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	residuals := make([]float64, problem.NumResiduals)
	cost := func(x []float64) (float64, error) {
		if err := problem.Residuals(x, residuals); err != nil {
			return 0, err
		}
		c := 0.
		for _, r := range residuals {
			c += r * r
		}
		return c, nil
	}

	initialCost, err := cost(x0)
	if err != nil {
		return nil, Summary{}, err
	}

	evaluations := 0
	var evalErr error
	forceStop := func(err error) {
		evalErr = err
		if stopErr := opt.ForceStop(); stopErr != nil {
			s.logger.Errorw("forcestop error", "error", stopErr)
		}
	}
	// Gradient is, under the hood, an unsafe C structure that we are meant to
	// mutate in place.
	minFunc := func(x, gradient []float64) float64 {
		evaluations++
		c, err := cost(x)
		if err != nil {
			forceStop(err)
			return 0
		}
		for i := range gradient {
			orig := x[i]
			x[i] = orig + defaultJump
			c2, err := cost(x)
			x[i] = orig
			if err != nil {
				forceStop(err)
				return 0
			}
			gradient[i] = (c2 - c) / defaultJump
		}
		return c
	}

	err = multierr.Combine(
		opt.SetFtolRel(s.epsilon),
		opt.SetFtolAbs(s.epsilon),
		opt.SetXtolRel(s.epsilon),
		opt.SetStopVal(s.epsilon),
		opt.SetMinObjective(minFunc),
		opt.SetMaxEval(maxIterations),
	)
	if err != nil {
		return nil, Summary{}, errors.Wrap(err, "nlopt setup error")
	}

	var activeSolvers sync.WaitGroup
	solveChan := make(chan *optimizeReturn, 1)
	activeSolvers.Add(1)
	viamutils.PanicCapturingGo(func() {
		defer activeSolvers.Done()
		solution, score, err := opt.Optimize(x0)
		solveChan <- &optimizeReturn{solution, score, err}
	})

	var solution []float64
	var finalCost float64
	var nloptErr error
	select {
	case <-ctx.Done():
		err = opt.ForceStop()
		activeSolvers.Wait()
		return nil, Summary{}, multierr.Combine(err, ctx.Err())
	case result := <-solveChan:
		activeSolvers.Wait()
		solution = result.solution
		finalCost = result.score
		nloptErr = result.err
	}
	if evalErr != nil {
		return nil, Summary{}, evalErr
	}

	summary := Summary{
		InitialCost: initialCost,
		FinalCost:   finalCost,
		Evaluations: evaluations,
		Status:      opt.LastStatus(),
		Converged:   finalCost <= s.epsilon || finalCost < initialCost,
	}
	if solution == nil {
		return nil, summary, multierr.Combine(nloptErr, errNoProgress)
	}
	if nloptErr != nil {
		// SLSQP reports roundoff-limited runs as errors even when it improved
		// the cost. Keep the better of seed and solution and surface the
		// status through the summary.
		s.logger.Debugw("nlopt finished with error status", "status", summary.Status, "error", nloptErr)
		if math.IsNaN(finalCost) || finalCost > initialCost {
			summary.FinalCost = initialCost
			summary.Converged = false
			return x0, summary, nil
		}
	}
	return solution, summary, nil
}
