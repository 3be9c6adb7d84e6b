// Package spline implements the continuous-time trajectory model: uniform
// cumulative cubic B-splines on SO3 and R3 spanning the calibration window,
// the residuals registered against them, and pose/derivative evaluation.
package spline

// Order is the B-spline order. Cubic splines blend Order control points per
// segment and need Order-1 extra knots past the window for full support.
const Order = 4

// cumulativeBasis evaluates the cumulative cubic blending functions at
// normalized segment position u in [0,1). b[0] is identically 1 and omitted;
// the returned values are Btilde_1..Btilde_3.
//
// These are the column sums of the uniform cubic B-spline blending matrix,
// the form needed so that
//
//	p(u) = p_i + sum_j Btilde_j(u) (p_{i+j} - p_{i+j-1})
//
// reproduces the ordinary B-spline on R3 and generalizes to SO3 via the
// exponential map.
func cumulativeBasis(u float64) [3]float64 {
	u2 := u * u
	u3 := u2 * u
	return [3]float64{
		(5. + 3.*u - 3.*u2 + u3) / 6.,
		(1. + 3.*u + 3.*u2 - 2.*u3) / 6.,
		u3 / 6.,
	}
}

// cumulativeBasisD1 is the first derivative of cumulativeBasis with respect
// to u. Divide by the knot spacing to get a time derivative.
func cumulativeBasisD1(u float64) [3]float64 {
	u2 := u * u
	return [3]float64{
		(1. - 2.*u + u2) / 2.,
		(1. + 2.*u - 2.*u2) / 2.,
		u2 / 2.,
	}
}

// cumulativeBasisD2 is the second derivative of cumulativeBasis with respect
// to u. Divide by the squared knot spacing to get a time derivative.
func cumulativeBasisD2(u float64) [3]float64 {
	return [3]float64{
		u - 1.,
		1. - 2.*u,
		u,
	}
}
