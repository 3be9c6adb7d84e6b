// Package optimize is the boundary to the external nonlinear least-squares
// solver. The solver is a black box with the contract "minimize the sum of
// squared weighted residuals over a flat parameter vector, within an
// iteration budget, and report status and the final state".
package optimize

// Problem is a nonlinear least-squares problem over a flat float64 vector.
// Residuals must write exactly NumResiduals values for any parameter vector
// of length NumParams.
type Problem struct {
	NumParams    int
	NumResiduals int
	Residuals    func(x, out []float64) error
}

// Summary reports what the solver did. Non-convergence within the iteration
// budget is not an error at this layer; callers inspect Status to decide
// whether to retry.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Evaluations int
	Status      string
	Converged   bool
}
