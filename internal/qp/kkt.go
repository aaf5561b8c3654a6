package qp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// system is the factorized Newton matrix of one iteration. Unknowns are
// ordered (Δx, Δy, Δν, Δλ); rows are the dual, equality, inequality and
// complementarity blocks:
//
//	[ G   0  -Aᵀ  -Cᵀ ]
//	[ A   0   0    0  ]
//	[ C  -I   0    0  ]
//	[ 0   Λ   0    Y  ]
type system struct {
	p  *problem
	lu mat.LU
}

// offsets of each unknown block within the stacked vector.
func (p *problem) offsets() (y, nu, lam, size int) {
	y = p.n
	nu = y + p.mi
	lam = nu + p.me
	return y, nu, lam, lam + p.mi
}

func factorize(p *problem, y, lam []float64) (*system, error) {
	oy, onu, olam, size := p.offsets()
	k := mat.NewDense(size, size, nil)

	// Dual block.
	for i := 0; i < p.n; i++ {
		for j := 0; j < p.n; j++ {
			k.Set(i, j, p.g.At(i, j))
		}
		for r := 0; r < p.me; r++ {
			k.Set(i, onu+r, -p.a.At(r, i))
		}
		for r := 0; r < p.mi; r++ {
			k.Set(i, olam+r, -p.c.At(r, i))
		}
	}
	// Equality block.
	row := p.n
	for r := 0; r < p.me; r++ {
		for j := 0; j < p.n; j++ {
			k.Set(row+r, j, p.a.At(r, j))
		}
	}
	// Inequality block.
	row += p.me
	for r := 0; r < p.mi; r++ {
		for j := 0; j < p.n; j++ {
			k.Set(row+r, j, p.c.At(r, j))
		}
		k.Set(row+r, oy+r, -1)
	}
	// Complementarity block.
	row += p.mi
	for r := 0; r < p.mi; r++ {
		k.Set(row+r, oy+r, lam[r])
		k.Set(row+r, olam+r, y[r])
	}

	sys := &system{p: p}
	sys.lu.Factorize(k)
	if det := sys.lu.Det(); det == 0 || math.IsNaN(det) {
		return nil, fmt.Errorf("%w: zero determinant", ErrSingularSystem)
	}
	if cond := sys.lu.Cond(); cond > mat.ConditionTolerance {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrSingularSystem, cond)
	}
	return sys, nil
}

// solve returns the step for residuals res and complementarity right-hand
// side comp.
func (s *system) solve(res residuals, comp []float64) (iterate, error) {
	p := s.p
	oy, onu, olam, size := p.offsets()
	rhs := make([]float64, size)
	row := 0
	for _, block := range [][]float64{res.rd, res.re, res.rp} {
		for _, v := range block {
			rhs[row] = -v
			row++
		}
	}
	copy(rhs[row:], comp)

	dst := mat.NewVecDense(size, nil)
	if err := s.lu.SolveVecTo(dst, false, mat.NewVecDense(size, rhs)); err != nil {
		return iterate{}, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}
	d := dst.RawVector().Data
	if !finite(d) {
		return iterate{}, fmt.Errorf("%w: non-finite step", ErrSingularSystem)
	}
	return iterate{
		x:   d[:oy],
		y:   d[oy:onu],
		nu:  d[onu:olam],
		lam: d[olam:size],
	}, nil
}

// mulVec returns m·v.
func mulVec(m mat.Matrix, v []float64) []float64 {
	r, _ := m.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(m, mat.NewVecDense(len(v), v))
	return out.RawVector().Data
}

// mulTransVec returns mᵀ·v.
func mulTransVec(m *mat.Dense, v []float64) []float64 {
	return mulVec(m.T(), v)
}
