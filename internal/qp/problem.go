// Package qp solves convex quadratic programs
//
//	maximize μᵀx − ½xᵀGx  subject to  Ax = b,  Cx ≥ d
//
// with a primal-dual interior-point method using Mehrotra's
// predictor-corrector steps (Nocedal & Wright, Algorithm 16.4, extended with
// an equality block).
package qp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidProblem = errors.New("qp: invalid problem")

	// ErrNumerical is wrapped by every numerical-failure error.
	ErrNumerical        = errors.New("qp: numerical failure")
	ErrSingularSystem   = fmt.Errorf("%w: singular Newton system", ErrNumerical)
	ErrNotPSD           = fmt.Errorf("%w: risk matrix is not positive semi-definite", ErrNumerical)
	ErrNegativeVariance = fmt.Errorf("%w: risk matrix has a negative diagonal entry", ErrNumerical)
	ErrAsymmetric       = fmt.Errorf("%w: risk matrix is not symmetric", ErrNumerical)

	ErrNotConverged = errors.New("qp: iteration limit reached before convergence")
)

// Problem is one quadratic program. Mu and G define the objective; A and B
// the equality constraints (nil A means none); C and D the inequality
// constraints Cx ≥ D. A nil C means x ≥ 0.
type Problem struct {
	Mu []float64
	G  mat.Matrix
	A  *mat.Dense
	B  []float64
	C  *mat.Dense
	D  []float64
}

// problem is a validated Problem with defaults filled in.
type problem struct {
	n, me, mi int
	mu        []float64
	g         *mat.SymDense
	a         *mat.Dense // nil when me == 0
	b         []float64
	c         *mat.Dense // nil when mi == 0
	d         []float64
}

func (p Problem) validate(psdTol float64) (*problem, error) {
	n := len(p.Mu)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty objective", ErrInvalidProblem)
	}
	if !finite(p.Mu) {
		return nil, fmt.Errorf("%w: objective has non-finite entries", ErrInvalidProblem)
	}
	if p.G == nil {
		return nil, fmt.Errorf("%w: nil risk matrix", ErrInvalidProblem)
	}
	if r, c := p.G.Dims(); r != n || c != n {
		return nil, fmt.Errorf("%w: risk matrix is %dx%d, want %dx%d", ErrInvalidProblem, r, c, n, n)
	}

	g, err := riskMatrix(p.G, n, psdTol)
	if err != nil {
		return nil, err
	}
	out := &problem{n: n, mu: p.Mu, g: g}

	if p.A != nil {
		r, c := p.A.Dims()
		if c != n || len(p.B) != r {
			return nil, fmt.Errorf("%w: equality constraints are %dx%d with %d targets, want %d columns", ErrInvalidProblem, r, c, len(p.B), n)
		}
		if !finite(p.B) {
			return nil, fmt.Errorf("%w: equality targets have non-finite entries", ErrInvalidProblem)
		}
		out.me, out.a, out.b = r, p.A, p.B
	} else if len(p.B) != 0 {
		return nil, fmt.Errorf("%w: equality targets without a constraint matrix", ErrInvalidProblem)
	}

	if p.C != nil {
		r, c := p.C.Dims()
		if c != n || len(p.D) != r {
			return nil, fmt.Errorf("%w: inequality constraints are %dx%d with %d bounds, want %d columns", ErrInvalidProblem, r, c, len(p.D), n)
		}
		if !finite(p.D) {
			return nil, fmt.Errorf("%w: inequality bounds have non-finite entries", ErrInvalidProblem)
		}
		out.mi, out.c, out.d = r, p.C, p.D
	} else {
		if len(p.D) != 0 {
			return nil, fmt.Errorf("%w: inequality bounds without a constraint matrix", ErrInvalidProblem)
		}
		id := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			id.Set(i, i, 1)
		}
		out.mi, out.c, out.d = n, id, make([]float64, n)
	}
	return out, nil
}

// riskMatrix checks G is symmetric and positive semi-definite and returns it
// in symmetric storage.
func riskMatrix(g mat.Matrix, n int, psdTol float64) (*mat.SymDense, error) {
	for i := 0; i < n; i++ {
		gii := g.At(i, i)
		if math.IsNaN(gii) || math.IsInf(gii, 0) {
			return nil, fmt.Errorf("%w: risk matrix has non-finite entries", ErrInvalidProblem)
		}
		if gii < 0 {
			return nil, fmt.Errorf("%w: G[%d][%d] = %g", ErrNegativeVariance, i, i, gii)
		}
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			gij, gji := g.At(i, j), g.At(j, i)
			if math.IsNaN(gij) || math.IsInf(gij, 0) || math.IsNaN(gji) || math.IsInf(gji, 0) {
				return nil, fmt.Errorf("%w: risk matrix has non-finite entries", ErrInvalidProblem)
			}
			scale := math.Max(1, math.Max(math.Abs(gij), math.Abs(gji)))
			if math.Abs(gij-gji) > 1e-9*scale {
				return nil, fmt.Errorf("%w: G[%d][%d] = %g, G[%d][%d] = %g", ErrAsymmetric, i, j, gij, j, i, gji)
			}
			sym.SetSym(i, j, (gij+gji)/2)
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(sym, false); !ok {
		return nil, fmt.Errorf("%w: eigen decomposition of risk matrix failed", ErrNumerical)
	}
	vals := es.Values(nil)
	lo, hi := math.Inf(1), 0.0
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, math.Abs(v))
	}
	if lo < -psdTol*math.Max(1, hi) {
		return nil, fmt.Errorf("%w: smallest eigenvalue %g", ErrNotPSD, lo)
	}
	return sym, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
