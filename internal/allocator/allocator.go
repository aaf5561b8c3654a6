// Package allocator turns historical army statistics into a fractional
// reinforcement allocation across a set of territories.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/freeeve/reinforce/internal/config"
	"github.com/freeeve/reinforce/internal/logger"
	"github.com/freeeve/reinforce/internal/model"
	"github.com/freeeve/reinforce/internal/qp"
	"github.com/freeeve/reinforce/internal/stats"
)

var (
	ErrNoTerritories    = errors.New("allocator: no territories")
	ErrUnknownTerritory = errors.New("allocator: territory has no history")
	ErrInfeasible       = errors.New("allocator: floors sum to more than the whole allocation")
	ErrInvalidRequest   = errors.New("allocator: invalid request")
)

// Source records which path produced an allocation.
type Source string

const (
	SourceOptimizer   Source = "optimizer"
	SourceBestIterate Source = "best_iterate"
	SourceUniform     Source = "uniform"
)

// Request asks for an allocation over Territories at Turn.
type Request struct {
	MapID       model.MapID
	Territories []model.TerritoryID
	Turn        int
	Kind        model.Kind
	// RiskAversion scales the covariance penalty. Zero uses the configured
	// default.
	RiskAversion float64
	// Bonus is added to each territory's expected value.
	Bonus map[model.TerritoryID]float64
	// Floor is the minimum fraction each territory must receive.
	Floor map[model.TerritoryID]float64
}

// Allocation maps each territory to its share of the reinforcements. The
// shares are non-negative and sum to 1. Turn is the history turn the
// statistics were read from, the requested turn clamped to the available
// history; it stays the requested turn when no history could be loaded.
type Allocation struct {
	Fractions  map[model.TerritoryID]float64 `json:"fractions"`
	Turn       int                           `json:"turn"`
	Iterations int                           `json:"iterations"`
	Objective  float64                       `json:"objective"`
	Source     Source                        `json:"source"`
	Degraded   bool                          `json:"degraded"`
	// Err is the failure behind a degraded allocation.
	Err error `json:"-"`
}

// Allocator computes allocations from a sample feed. It keeps one
// statistical model per map. Safe for concurrent use.
type Allocator struct {
	feed      stats.Feed
	cfg       config.Optimizer
	modelOpts []stats.Option

	mu     sync.Mutex
	models map[model.MapID]*stats.Model
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithModelOptions appends options applied to every per-map model.
func WithModelOptions(opts ...stats.Option) Option {
	return func(a *Allocator) { a.modelOpts = append(a.modelOpts, opts...) }
}

// New creates an Allocator. cfg is assumed to have passed Validate.
func New(feed stats.Feed, cfg config.Optimizer, opts ...Option) *Allocator {
	a := &Allocator{
		feed:      feed,
		cfg:       cfg,
		modelOpts: cfg.ModelOptions(),
		models:    make(map[model.MapID]*stats.Model),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Model returns the statistical model for mapID, creating it on first use.
func (a *Allocator) Model(mapID model.MapID) *stats.Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.models[mapID]
	if !ok {
		m = stats.New(mapID, a.feed, a.modelOpts...)
		a.models[mapID] = m
	}
	return m
}

// ComputeAllocation solves
//
//	maximize μᵀx − ½xᵀGx  subject to  Σx = 1,  x ≥ floor
//
// with μ the mean of req.Kind plus bonuses and G the risk-scaled covariance
// plus a small ridge.
func (a *Allocator) ComputeAllocation(ctx context.Context, req Request) (*Allocation, error) {
	l := logger.ForDecision(ctx)

	ids, floors, risk, err := a.normalize(req)
	if err != nil {
		return nil, err
	}

	snap, err := a.Model(req.MapID).Snapshot(ctx, req.Kind, ids, req.Turn)
	if err != nil {
		return nil, fmt.Errorf("load %s statistics: %w", req.Kind, err)
	}
	if missing := stats.Missing(snap.Means, ids); len(missing) > 0 {
		return nil, fmt.Errorf("%w: map %d, %s: %v", ErrUnknownTerritory, req.MapID, req.Kind, missing)
	}

	p, repaired := a.problem(ids, snap, req.Bonus, floors, risk)
	if repaired {
		l.Debug().Int("mapId", int(req.MapID)).Str("kind", req.Kind.String()).Msg("Clipped negative eigenvalues of risk matrix")
	}
	l.Debug().
		Int("mapId", int(req.MapID)).
		Str("kind", req.Kind.String()).
		Int("turn", snap.Turn).
		Int("territories", len(ids)).
		Float64("riskAversion", risk).
		Msg("Solving allocation")
	logger.LogVector(l, "mu", p.Mu)

	res, err := qp.Optimize(p, qp.Settings{
		Tolerance:     a.cfg.Tolerance,
		MaxIterations: a.cfg.MaxIterations,
		Logger:        &l,
	})
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{
		Fractions:  cleanup(ids, res.X, floors),
		Turn:       snap.Turn,
		Iterations: res.Iterations,
		Objective:  res.Objective,
		Source:     SourceOptimizer,
	}
	l.Info().
		Int("mapId", int(req.MapID)).
		Int("turn", snap.Turn).
		Int("iterations", res.Iterations).
		Float64("objective", res.Objective).
		Msg("Allocation computed")
	return alloc, nil
}

// AllocateWithFallback never fails. If the optimizer stops at its iteration
// cap the best iterate is projected onto the feasible set; any other failure
// yields the uniform allocation. Both are marked Degraded.
func (a *Allocator) AllocateWithFallback(ctx context.Context, req Request) *Allocation {
	if logger.DecisionIDFromContext(ctx) == "" {
		ctx = logger.WithDecisionID(ctx, logger.NewDecisionID())
	}
	l := logger.ForDecision(ctx)

	alloc, err := a.ComputeAllocation(ctx, req)
	if err == nil {
		return alloc
	}

	ids := model.UniqueTerritories(req.Territories)
	var ce *qp.ConvergenceError
	if errors.As(err, &ce) && len(ce.Best.X) == len(ids) {
		floors := floorVector(ids, req.Floor)
		if sumOf(floors) > 1 {
			floors = make([]float64, len(ids))
		}
		l.Warn().Err(err).Int("iterations", ce.Iterations).Msg("Optimizer did not converge, using best iterate")
		return &Allocation{
			Fractions:  toMap(ids, project(ce.Best.X, floors)),
			Turn:       a.historyTurn(ctx, req),
			Iterations: ce.Iterations,
			Objective:  ce.Best.Objective,
			Source:     SourceBestIterate,
			Degraded:   true,
			Err:        err,
		}
	}

	l.Warn().Err(err).Int("territories", len(ids)).Msg("Allocation failed, using uniform split")
	return &Allocation{
		Fractions: uniform(ids),
		Turn:      a.historyTurn(ctx, req),
		Source:    SourceUniform,
		Degraded:  true,
		Err:       err,
	}
}

// historyTurn clamps req.Turn to the available history of req.Kind.
func (a *Allocator) historyTurn(ctx context.Context, req Request) int {
	if req.Turn < 0 || !req.Kind.Valid() {
		return req.Turn
	}
	n, err := a.Model(req.MapID).Turns(ctx, req.Kind)
	if err != nil || n == 0 {
		return req.Turn
	}
	return min(req.Turn, n-1)
}

func (a *Allocator) normalize(req Request) ([]model.TerritoryID, []float64, float64, error) {
	if !req.Kind.Valid() {
		return nil, nil, 0, fmt.Errorf("%w: unknown kind %d", ErrInvalidRequest, int(req.Kind))
	}
	if req.Turn < 0 {
		return nil, nil, 0, fmt.Errorf("%w: negative turn %d", ErrInvalidRequest, req.Turn)
	}
	if req.RiskAversion < 0 || math.IsNaN(req.RiskAversion) || math.IsInf(req.RiskAversion, 0) {
		return nil, nil, 0, fmt.Errorf("%w: risk aversion %g", ErrInvalidRequest, req.RiskAversion)
	}
	ids := model.UniqueTerritories(req.Territories)
	if len(ids) == 0 {
		return nil, nil, 0, ErrNoTerritories
	}

	floors := floorVector(ids, req.Floor)
	for i, f := range floors {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil, 0, fmt.Errorf("%w: floor %g for territory %d", ErrInvalidRequest, f, ids[i])
		}
	}
	if total := sumOf(floors); total > 1+a.cfg.Tolerance {
		return nil, nil, 0, fmt.Errorf("%w: floors sum to %g", ErrInfeasible, total)
	}
	for id, b := range req.Bonus {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, nil, 0, fmt.Errorf("%w: bonus %g for territory %d", ErrInvalidRequest, b, id)
		}
	}

	risk := req.RiskAversion
	if risk == 0 {
		risk = a.cfg.RiskAversion
	}
	return ids, floors, risk, nil
}

// problem assembles the QP for ids in ascending order. It reports whether
// the risk matrix needed its negative eigenvalues clipped.
func (a *Allocator) problem(ids []model.TerritoryID, snap *stats.Snapshot, bonus map[model.TerritoryID]float64, floors []float64, risk float64) (qp.Problem, bool) {
	n := len(ids)
	mu := make([]float64, n)
	g := mat.NewSymDense(n, nil)
	for i, ti := range ids {
		mu[i] = snap.Means[ti] + bonus[ti]
		for j := i; j < n; j++ {
			c, _ := snap.Covariance.At(ti, ids[j])
			g.SetSym(i, j, risk*c)
		}
	}
	g, repaired := clipNegativeEigenvalues(g)
	for i := 0; i < n; i++ {
		g.SetSym(i, i, g.At(i, i)+a.cfg.Regularization)
	}

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	p := qp.Problem{
		Mu: mu,
		G:  g,
		A:  mat.NewDense(1, n, ones),
		B:  []float64{1},
	}
	if sumOf(floors) > 0 {
		c := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			c.Set(i, i, 1)
		}
		p.C, p.D = c, floors
	}
	return p, repaired
}

// clipNegativeEigenvalues returns the nearest positive semi-definite matrix
// to g in Frobenius norm, and whether g had to change. g is returned as is
// when it is already positive semi-definite or cannot be decomposed.
func clipNegativeEigenvalues(g *mat.SymDense) (*mat.SymDense, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(g, true) {
		return g, false
	}
	vals := eig.Values(nil)
	if floats.Min(vals) >= 0 {
		return g, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	out := mat.NewSymDense(len(vals), nil)
	for k, v := range vals {
		if v > 0 {
			out.SymRankOne(out, v, vecs.ColView(k))
		}
	}
	return out, true
}

// cleanup zeroes the small negative components a converged iterate may
// carry and renormalizes to sum 1. With floors the iterate is projected onto
// the floored simplex instead, so no share ends below its floor.
func cleanup(ids []model.TerritoryID, x, floors []float64) map[model.TerritoryID]float64 {
	if total := sumOf(floors); total > 0 && total <= 1 {
		return toMap(ids, project(x, floors))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Max(v, 0)
	}
	total := sumOf(out)
	if total <= 0 {
		return uniform(ids)
	}
	for i := range out {
		out[i] /= total
	}
	return toMap(ids, out)
}

// project returns the Euclidean projection of x onto {z : Σz = 1, z ≥ floors}.
// floors must sum to at most 1.
func project(x, floors []float64) []float64 {
	n := len(x)
	budget := 1 - sumOf(floors)
	shifted := make([]float64, n)
	for i := range x {
		shifted[i] = x[i] - floors[i]
	}
	z := simplexProjection(shifted, budget)
	for i := range z {
		z[i] += floors[i]
	}
	return z
}

func uniform(ids []model.TerritoryID) map[model.TerritoryID]float64 {
	out := make(map[model.TerritoryID]float64, len(ids))
	for _, id := range ids {
		out[id] = 1 / float64(len(ids))
	}
	return out
}

func floorVector(ids []model.TerritoryID, floor map[model.TerritoryID]float64) []float64 {
	out := make([]float64, len(ids))
	for i, id := range ids {
		out[i] = floor[id]
	}
	return out
}

func toMap(ids []model.TerritoryID, x []float64) map[model.TerritoryID]float64 {
	out := make(map[model.TerritoryID]float64, len(ids))
	for i, id := range ids {
		out[id] = x[i]
	}
	return out
}

func sumOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}
