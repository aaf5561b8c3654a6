package qp

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
)

const (
	DefaultTolerance     = 1e-6
	DefaultMaxIterations = 50
	DefaultPSDTolerance  = 1e-9

	minStepFraction = 0.9
	maxStepFraction = 0.9999
)

// Settings tunes the solver. Zero values select the defaults.
type Settings struct {
	Tolerance     float64
	MaxIterations int
	// StepFraction pins the fraction-to-boundary parameter τ. Zero lets it
	// grow toward 1 as the duality gap closes.
	StepFraction float64
	PSDTolerance float64
	Logger       *zerolog.Logger
}

func (s Settings) withDefaults() Settings {
	if s.Tolerance <= 0 {
		s.Tolerance = DefaultTolerance
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.PSDTolerance <= 0 {
		s.PSDTolerance = DefaultPSDTolerance
	}
	if s.StepFraction >= 1 {
		s.StepFraction = maxStepFraction
	}
	if s.Logger == nil {
		s.Logger = &log.Logger
	}
	return s
}

// Result is a converged (or best available) iterate.
type Result struct {
	X              []float64
	Iterations     int
	Gap            float64
	DualResidual   float64
	PrimalResidual float64
	Objective      float64
}

// ConvergenceError reports an iteration cap hit. Best is the iterate with
// the smallest combined residual and gap seen.
type ConvergenceError struct {
	Iterations int
	Best       *Result
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%v after %d iterations (gap %.3g, dual %.3g, primal %.3g)",
		ErrNotConverged, e.Iterations, e.Best.Gap, e.Best.DualResidual, e.Best.PrimalResidual)
}

func (e *ConvergenceError) Unwrap() error { return ErrNotConverged }

// iterate is the full primal-dual point.
type iterate struct {
	x, y, nu, lam []float64
}

// Optimize solves p. On an iteration cap it returns a *ConvergenceError;
// every other failure wraps ErrInvalidProblem or ErrNumerical.
func Optimize(p Problem, s Settings) (*Result, error) {
	s = s.withDefaults()
	prob, err := p.validate(s.PSDTolerance)
	if err != nil {
		return nil, err
	}
	return (&solver{p: prob, s: s, logger: *s.Logger}).run()
}

type solver struct {
	p      *problem
	s      Settings
	logger zerolog.Logger
}

func (sv *solver) run() (*Result, error) {
	it, err := sv.start()
	if err != nil {
		return nil, err
	}

	var best *Result
	bestMerit := math.Inf(1)
	for k := 0; ; k++ {
		res := sv.residuals(it)
		dual, primal := res.norms()
		gap := sv.gap(it)
		r := sv.result(it, k, dual, primal, gap)

		if dual < sv.s.Tolerance && primal < sv.s.Tolerance && gap < sv.s.Tolerance {
			sv.logger.Debug().
				Int("iterations", k).
				Float64("gap", gap).
				Float64("objective", r.Objective).
				Msg("QP converged")
			return r, nil
		}
		if merit := dual + primal + gap; merit < bestMerit || best == nil {
			best, bestMerit = r, merit
		}
		if k == sv.s.MaxIterations {
			return nil, &ConvergenceError{Iterations: k, Best: best}
		}

		sys, err := factorize(sv.p, it.y, it.lam)
		if err != nil {
			return nil, err
		}

		// Predictor.
		comp := make([]float64, sv.p.mi)
		for i := range comp {
			comp[i] = -it.y[i] * it.lam[i]
		}
		aff, err := sys.solve(res, comp)
		if err != nil {
			return nil, err
		}
		alphaAff := math.Min(1, math.Min(maxStep(it.y, aff.y), maxStep(it.lam, aff.lam)))
		muAff := 0.0
		if sv.p.mi > 0 {
			for i := range it.y {
				muAff += (it.y[i] + alphaAff*aff.y[i]) * (it.lam[i] + alphaAff*aff.lam[i])
			}
			muAff /= float64(sv.p.mi)
		}
		sigma := 0.0
		if gap > 0 {
			sigma = math.Min(1, math.Max(0, math.Pow(muAff/gap, 3)))
		}

		// Corrector.
		for i := range comp {
			comp[i] = sigma*gap - it.y[i]*it.lam[i] - aff.y[i]*aff.lam[i]
		}
		step, err := sys.solve(res, comp)
		if err != nil {
			return nil, err
		}

		tau := sv.stepFraction(gap)
		alpha := math.Min(1, tau*math.Min(maxStep(it.y, step.y), maxStep(it.lam, step.lam)))
		floats.AddScaled(it.x, alpha, step.x)
		floats.AddScaled(it.y, alpha, step.y)
		floats.AddScaled(it.nu, alpha, step.nu)
		floats.AddScaled(it.lam, alpha, step.lam)

		if !finite(it.x) || !finite(it.lam) {
			return nil, fmt.Errorf("%w: iterate diverged at iteration %d", ErrNumerical, k+1)
		}
		sv.logger.Trace().
			Int("iteration", k+1).
			Float64("gap", gap).
			Float64("sigma", sigma).
			Float64("tau", tau).
			Float64("alpha", alpha).
			Float64("dualResidual", dual).
			Float64("primalResidual", primal).
			Msg("QP step")
	}
}

// start builds the initial point: a central guess, one affine-scaling step,
// then slacks and multipliers pushed away from zero.
func (sv *solver) start() (iterate, error) {
	p := sv.p
	it := iterate{
		x:   make([]float64, p.n),
		y:   make([]float64, p.mi),
		nu:  make([]float64, p.me),
		lam: make([]float64, p.mi),
	}
	for i := range it.x {
		it.x[i] = 1 / float64(p.n)
	}
	for i := range it.y {
		it.y[i], it.lam[i] = 1, 1
	}
	if p.mi == 0 {
		return it, nil
	}

	sys, err := factorize(p, it.y, it.lam)
	if err != nil {
		return it, err
	}
	comp := make([]float64, p.mi)
	for i := range comp {
		comp[i] = -it.y[i] * it.lam[i]
	}
	aff, err := sys.solve(sv.residuals(it), comp)
	if err != nil {
		return it, err
	}
	for i := range it.y {
		it.y[i] = math.Max(1, math.Abs(it.y[i]+aff.y[i]))
		it.lam[i] = math.Max(1, math.Abs(it.lam[i]+aff.lam[i]))
	}
	floats.Add(it.nu, aff.nu)
	return it, nil
}

func (sv *solver) stepFraction(gap float64) float64 {
	if sv.s.StepFraction > 0 {
		return sv.s.StepFraction
	}
	return math.Min(maxStepFraction, math.Max(minStepFraction, 1-gap))
}

// residuals holds rd = Gx − μ − Aᵀν − Cᵀλ, re = Ax − b and rp = Cx − y − d.
type residuals struct {
	rd, re, rp []float64
}

func (sv *solver) residuals(it iterate) residuals {
	p := sv.p
	rd := mulVec(p.g, it.x)
	floats.Sub(rd, p.mu)
	if p.a != nil {
		floats.Sub(rd, mulTransVec(p.a, it.nu))
	}
	var re, rp []float64
	if p.a != nil {
		re = mulVec(p.a, it.x)
		floats.Sub(re, p.b)
	}
	if p.c != nil {
		floats.Sub(rd, mulTransVec(p.c, it.lam))
		rp = mulVec(p.c, it.x)
		floats.Sub(rp, it.y)
		floats.Sub(rp, p.d)
	}
	return residuals{rd: rd, re: re, rp: rp}
}

// norms returns ‖rd‖₂ and ‖(re, rp)‖₂.
func (r residuals) norms() (dual, primal float64) {
	return norm2(r.rd), math.Hypot(norm2(r.re), norm2(r.rp))
}

func (sv *solver) result(it iterate, k int, dual, primal, gap float64) *Result {
	x := append([]float64(nil), it.x...)
	gx := mulVec(sv.p.g, x)
	return &Result{
		X:              x,
		Iterations:     k,
		Gap:            gap,
		DualResidual:   dual,
		PrimalResidual: primal,
		Objective:      floats.Dot(sv.p.mu, x) - 0.5*floats.Dot(x, gx),
	}
}

// gap is the mean complementarity product yᵀλ/m.
func (sv *solver) gap(it iterate) float64 {
	if sv.p.mi == 0 {
		return 0
	}
	return floats.Dot(it.y, it.lam) / float64(sv.p.mi)
}

// maxStep is the largest α with v + αΔv ≥ 0, or +Inf when no entry decreases.
func maxStep(v, dv []float64) float64 {
	alpha := math.Inf(1)
	for i := range v {
		if dv[i] < 0 {
			if a := -v[i] / dv[i]; a < alpha {
				alpha = a
			}
		}
	}
	return alpha
}

func norm2(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, 2)
}
