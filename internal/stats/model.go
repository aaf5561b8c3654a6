// Package stats estimates per-territory, per-turn means, variances and
// covariances of army statistics from a corpus of historical games.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/freeeve/reinforce/internal/model"
)

var (
	ErrNoHistory    = errors.New("stats: no history for statistic")
	ErrInvalidTurn  = errors.New("stats: negative turn")
	ErrInvalidKind  = errors.New("stats: unknown statistic kind")
	ErrZeroVariance = errors.New("stats: zero standard deviation")
)

// Feed supplies the raw sample corpus for an observed statistic kind.
// Repeated calls for the same map and kind must return the same data.
type Feed interface {
	Samples(ctx context.Context, mapID model.MapID, kind model.Kind) (model.Corpus, error)
}

// series is the first pipeline stage for one kind: samples and the moments
// that depend only on each territory's own samples.
type series struct {
	samples   model.Corpus
	means     []map[model.TerritoryID]float64
	variances []map[model.TerritoryID]float64
}

type kindCache struct {
	base cell[*series]
	cov  cell[[]model.Matrix]
}

// Model answers statistic queries for one map. Each kind is aggregated once
// on first use and cached for the lifetime of the Model. Safe for concurrent
// use.
type Model struct {
	mapID     model.MapID
	feed      Feed
	formula   VarianceFormula
	synthesis PowerSynthesis
	logger    zerolog.Logger
	kinds     [model.NumKinds]kindCache
}

// Option configures a Model.
type Option func(*Model)

// WithVarianceFormula sets the variance denominator. Default Sample.
func WithVarianceFormula(f VarianceFormula) Option {
	return func(m *Model) { m.formula = f }
}

// WithPowerSynthesis sets how power samples are built. Default CrossCombination.
func WithPowerSynthesis(p PowerSynthesis) Option {
	return func(m *Model) { m.synthesis = p }
}

// WithLogger sets the logger used for aggregation events.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// New creates a Model for mapID backed by feed.
func New(mapID model.MapID, feed Feed, opts ...Option) *Model {
	m := &Model{
		mapID:  mapID,
		feed:   feed,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MapID returns the map the model describes.
func (m *Model) MapID() model.MapID { return m.mapID }

// Turns returns how many turns of history exist for kind.
func (m *Model) Turns(ctx context.Context, kind model.Kind) (int, error) {
	s, err := m.series(ctx, kind)
	if err != nil {
		return 0, err
	}
	return len(s.samples), nil
}

// Samples returns the (possibly synthesized) sample lists for the requested
// territories at turn.
func (m *Model) Samples(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (map[model.TerritoryID][]model.Observation, error) {
	s, err := m.series(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := clampTurn(turn, len(s.samples))
	if err != nil {
		return nil, err
	}
	return filter(s.samples[t], territories), nil
}

// GetMean returns the mean of kind at turn for each requested territory.
// Territories without history are omitted. Turns past the end of the
// history are clamped to the last turn.
func (m *Model) GetMean(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (map[model.TerritoryID]float64, error) {
	s, err := m.series(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := clampTurn(turn, len(s.means))
	if err != nil {
		return nil, err
	}
	return filter(s.means[t], territories), nil
}

// GetVariance returns the variance of kind at turn for each requested
// territory, using the model's variance formula.
func (m *Model) GetVariance(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (map[model.TerritoryID]float64, error) {
	s, err := m.series(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := clampTurn(turn, len(s.variances))
	if err != nil {
		return nil, err
	}
	return filter(s.variances[t], territories), nil
}

// GetCovariance returns the covariance of kind at turn between every pair of
// requested territories. The diagonal holds the variance.
func (m *Model) GetCovariance(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (model.Matrix, error) {
	covs, err := m.covariances(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := clampTurn(turn, len(covs))
	if err != nil {
		return nil, err
	}
	return filterMatrix(covs[t], territories), nil
}

// GetCorrelation returns the correlation of kind at turn between every pair
// of requested territories. It fails with ErrZeroVariance if any requested
// territory has a zero standard deviation.
func (m *Model) GetCorrelation(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (model.Matrix, error) {
	cov, err := m.GetCovariance(ctx, kind, territories, turn)
	if err != nil {
		return nil, err
	}
	sd := make(map[model.TerritoryID]float64, len(cov))
	for _, id := range model.SortTerritories(matrixKeys(cov)) {
		v, _ := cov.At(id, id)
		if v <= 0 {
			return nil, fmt.Errorf("%w: territory %d at turn %d", ErrZeroVariance, id, turn)
		}
		sd[id] = math.Sqrt(v)
	}
	corr := make(model.Matrix, len(cov))
	for i, row := range cov {
		for j, c := range row {
			if i == j {
				corr.Set(i, j, 1)
				continue
			}
			corr.Set(i, j, math.Max(-1, math.Min(1, c/(sd[i]*sd[j]))))
		}
	}
	return corr, nil
}

// Snapshot is every statistic of one kind for one turn.
type Snapshot struct {
	Kind       model.Kind
	Turn       int
	Means      map[model.TerritoryID]float64
	Variances  map[model.TerritoryID]float64
	Covariance model.Matrix
}

// Snapshot returns means, variances and covariances for territories at the
// clamped turn in one call.
func (m *Model) Snapshot(ctx context.Context, kind model.Kind, territories []model.TerritoryID, turn int) (*Snapshot, error) {
	s, err := m.series(ctx, kind)
	if err != nil {
		return nil, err
	}
	covs, err := m.covariances(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := clampTurn(turn, len(s.means))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Kind:       kind,
		Turn:       t,
		Means:      filter(s.means[t], territories),
		Variances:  filter(s.variances[t], territories),
		Covariance: filterMatrix(covs[t], territories),
	}, nil
}

// Missing returns the requested territories absent from result, sorted.
func Missing[V any](result map[model.TerritoryID]V, territories []model.TerritoryID) []model.TerritoryID {
	var out []model.TerritoryID
	for _, id := range model.UniqueTerritories(territories) {
		if _, ok := result[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (m *Model) cache(kind model.Kind) (*kindCache, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(kind))
	}
	return &m.kinds[kind], nil
}

// series returns the memoized sample/mean/variance stage for kind.
func (m *Model) series(ctx context.Context, kind model.Kind) (*series, error) {
	kc, err := m.cache(kind)
	if err != nil {
		return nil, err
	}
	return kc.base.get(ctx, func(ctx context.Context) (*series, error) {
		samples, err := m.loadSamples(ctx, kind)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			return nil, fmt.Errorf("%w: map %d, %s", ErrNoHistory, m.mapID, kind)
		}
		s := &series{
			samples:   samples,
			means:     make([]map[model.TerritoryID]float64, len(samples)),
			variances: make([]map[model.TerritoryID]float64, len(samples)),
		}
		for t, turn := range samples {
			s.means[t] = make(map[model.TerritoryID]float64, len(turn))
			s.variances[t] = make(map[model.TerritoryID]float64, len(turn))
			for id, obs := range turn {
				xs := model.Values(obs)
				s.means[t][id] = stat.Mean(xs, nil)
				s.variances[t][id] = variance(xs, m.formula)
			}
		}
		m.logger.Debug().
			Int("mapId", int(m.mapID)).
			Str("kind", kind.String()).
			Int("turns", len(samples)).
			Msg("Aggregated statistic")
		return s, nil
	})
}

// covariances returns the memoized covariance stage for kind.
func (m *Model) covariances(ctx context.Context, kind model.Kind) ([]model.Matrix, error) {
	kc, err := m.cache(kind)
	if err != nil {
		return nil, err
	}
	return kc.cov.get(ctx, func(ctx context.Context) ([]model.Matrix, error) {
		s, err := m.series(ctx, kind)
		if err != nil {
			return nil, err
		}
		out := make([]model.Matrix, len(s.samples))
		for t, turn := range s.samples {
			out[t] = turnCovariance(turn, s.means[t], s.variances[t], m.formula)
		}
		return out, nil
	})
}

// loadSamples fetches an observed corpus or synthesizes a derived one.
func (m *Model) loadSamples(ctx context.Context, kind model.Kind) (model.Corpus, error) {
	standingKind, deployKind, derived := kind.Components()
	if !derived {
		c, err := m.feed.Samples(ctx, m.mapID, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s samples for map %d: %w", kind, m.mapID, err)
		}
		return compact(c), nil
	}
	standing, err := m.series(ctx, standingKind)
	if err != nil {
		return nil, err
	}
	var deployments model.Corpus
	deploy, err := m.series(ctx, deployKind)
	switch {
	case err == nil:
		deployments = deploy.samples
	case errors.Is(err, ErrNoHistory):
		// No deployments recorded: power is the standing army alone.
	default:
		return nil, err
	}
	return synthesizePower(standing.samples, deployments, m.synthesis), nil
}

// compact drops empty sample lists so a present key always has data.
func compact(c model.Corpus) model.Corpus {
	out := make(model.Corpus, len(c))
	for t, turn := range c {
		out[t] = make(model.TurnSamples, len(turn))
		for id, obs := range turn {
			if len(obs) > 0 {
				out[t][id] = obs
			}
		}
	}
	return out
}

// clampTurn maps turn onto [0, n-1]. Turns past the history use the most
// recent statistics.
func clampTurn(turn, n int) (int, error) {
	if turn < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTurn, turn)
	}
	if n == 0 {
		return 0, ErrNoHistory
	}
	if turn >= n {
		return n - 1, nil
	}
	return turn, nil
}

func filter[V any](src map[model.TerritoryID]V, territories []model.TerritoryID) map[model.TerritoryID]V {
	out := make(map[model.TerritoryID]V, len(territories))
	for _, id := range territories {
		if v, ok := src[id]; ok {
			out[id] = v
		}
	}
	return out
}

func filterMatrix(src model.Matrix, territories []model.TerritoryID) model.Matrix {
	out := make(model.Matrix, len(territories))
	for _, i := range territories {
		row, ok := src[i]
		if !ok {
			continue
		}
		out[i] = make(map[model.TerritoryID]float64, len(territories))
		for _, j := range territories {
			if v, ok := row[j]; ok {
				out[i][j] = v
			}
		}
	}
	return out
}

func sampleKeys(turn model.TurnSamples) []model.TerritoryID {
	out := make([]model.TerritoryID, 0, len(turn))
	for id := range turn {
		out = append(out, id)
	}
	return out
}

func matrixKeys(m model.Matrix) []model.TerritoryID {
	out := make([]model.TerritoryID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
