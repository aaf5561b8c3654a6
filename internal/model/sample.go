package model

import (
	"fmt"
	"sort"
	"strings"
)

// MapID identifies one game map. Statistics are never shared across maps.
type MapID int

// TerritoryID identifies a territory on a specific map. IDs are sparse and
// must only be used as keys.
type TerritoryID int

// Kind names a per-territory statistic tracked across historical games.
type Kind int

const (
	StandingArmy Kind = iota
	AttackDeployment
	DefenseDeployment
	AttackPower
	DefensePower
)

// NumKinds is the number of statistic kinds.
const NumKinds = int(DefensePower) + 1

var kindNames = [...]string{
	StandingArmy:      "standing_army",
	AttackDeployment:  "attack_deployment",
	DefenseDeployment: "defense_deployment",
	AttackPower:       "attack_power",
	DefensePower:      "defense_power",
}

// AllKinds returns every statistic kind in declaration order.
func AllKinds() []Kind {
	return []Kind{StandingArmy, AttackDeployment, DefenseDeployment, AttackPower, DefensePower}
}

// ObservedKinds returns the kinds a sample feed records directly.
func ObservedKinds() []Kind {
	return []Kind{StandingArmy, AttackDeployment, DefenseDeployment}
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is a known statistic kind.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// Derived reports whether the kind is synthesized from other kinds rather
// than observed.
func (k Kind) Derived() bool {
	return k == AttackPower || k == DefensePower
}

// Components returns the observed kinds a derived kind is built from:
// the standing army plus the matching deployment.
func (k Kind) Components() (Kind, Kind, bool) {
	switch k {
	case AttackPower:
		return StandingArmy, AttackDeployment, true
	case DefensePower:
		return StandingArmy, DefenseDeployment, true
	}
	return k, k, false
}

// ParseKind parses a snake_case kind name. Hyphens and case are ignored.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range kindNames {
		if name == norm {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown statistic kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown statistic kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Observation is one historical value of a statistic. Game identifies the
// game the value was recorded in and may be empty for anonymous corpora.
type Observation struct {
	Game  string  `json:"game,omitempty"`
	Value float64 `json:"value"`
}

// TurnSamples maps each territory to the values observed for it on one turn.
// A present key always has a non-empty list.
type TurnSamples map[TerritoryID][]Observation

// Corpus is the turn-indexed sample history for one map and one kind.
type Corpus []TurnSamples

// Territories returns every territory that appears on any turn, sorted.
func (c Corpus) Territories() []TerritoryID {
	seen := make(map[TerritoryID]bool)
	for _, turn := range c {
		for id := range turn {
			seen[id] = true
		}
	}
	return SortTerritories(keys(seen))
}

// Add appends an observation, growing the corpus to reach turn if needed.
func (c *Corpus) Add(turn int, id TerritoryID, obs Observation) {
	for len(*c) <= turn {
		*c = append(*c, TurnSamples{})
	}
	(*c)[turn][id] = append((*c)[turn][id], obs)
}

// Values returns the plain values of a sample list.
func Values(obs []Observation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Value
	}
	return out
}

// GameContext identifies where a set of observations was recorded.
type GameContext struct {
	MapID  MapID  `json:"map_id"`
	GameID string `json:"game_id"`
	Turn   int    `json:"turn"`
}

// Validate checks the context is usable as a write key.
func (gc GameContext) Validate() error {
	if gc.GameID == "" {
		return fmt.Errorf("game context: empty game id")
	}
	if gc.Turn < 0 {
		return fmt.Errorf("game context: negative turn %d", gc.Turn)
	}
	return nil
}

// Matrix is a sparse symmetric table keyed by territory pairs.
type Matrix map[TerritoryID]map[TerritoryID]float64

// At returns the entry for (i, j) and whether it exists.
func (m Matrix) At(i, j TerritoryID) (float64, bool) {
	row, ok := m[i]
	if !ok {
		return 0, false
	}
	v, ok := row[j]
	return v, ok
}

// Set stores v at (i, j) and (j, i).
func (m Matrix) Set(i, j TerritoryID, v float64) {
	if m[i] == nil {
		m[i] = make(map[TerritoryID]float64)
	}
	if m[j] == nil {
		m[j] = make(map[TerritoryID]float64)
	}
	m[i][j] = v
	m[j][i] = v
}

// SortTerritories sorts ids in place and returns them.
func SortTerritories(ids []TerritoryID) []TerritoryID {
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// UniqueTerritories returns the distinct ids in ascending order.
func UniqueTerritories(ids []TerritoryID) []TerritoryID {
	seen := make(map[TerritoryID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	return SortTerritories(keys(seen))
}

func keys(set map[TerritoryID]bool) []TerritoryID {
	out := make([]TerritoryID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
