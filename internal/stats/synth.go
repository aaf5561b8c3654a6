package stats

import (
	"fmt"

	"github.com/freeeve/reinforce/internal/model"
)

// PowerSynthesis selects how attack and defense power samples are built from
// standing-army and deployment samples.
type PowerSynthesis int

const (
	// CrossCombination adds every deployment sample to every standing-army
	// sample observed at the same territory and turn, treating the two as
	// independent. Works on corpora without game keys.
	CrossCombination PowerSynthesis = iota
	// PairedByGame sums the standing army and deployments of the same game.
	PairedByGame
)

func (p PowerSynthesis) String() string {
	switch p {
	case CrossCombination:
		return "cross_combination"
	case PairedByGame:
		return "paired_by_game"
	}
	return fmt.Sprintf("synthesis(%d)", int(p))
}

// ParsePowerSynthesis parses "cross_combination" or "paired_by_game".
func ParsePowerSynthesis(s string) (PowerSynthesis, error) {
	switch s {
	case "cross_combination", "":
		return CrossCombination, nil
	case "paired_by_game":
		return PairedByGame, nil
	}
	return 0, fmt.Errorf("unknown power synthesis %q", s)
}

// synthesizePower combines a standing-army corpus with a deployment corpus.
// The result has one turn per standing-army turn.
func synthesizePower(standing, deployments model.Corpus, mode PowerSynthesis) model.Corpus {
	out := make(model.Corpus, len(standing))
	for turn, armies := range standing {
		out[turn] = make(model.TurnSamples, len(armies))
		var deployed model.TurnSamples
		if turn < len(deployments) {
			deployed = deployments[turn]
		}
		for id, stand := range armies {
			deps := deployed[id]
			switch {
			case len(deps) == 0:
				out[turn][id] = stand
			case mode == PairedByGame && allKeyed(stand) && allKeyed(deps):
				out[turn][id] = pairedSum(stand, deps)
			default:
				out[turn][id] = crossSum(stand, deps)
			}
		}
	}
	return out
}

func crossSum(stand, deps []model.Observation) []model.Observation {
	out := make([]model.Observation, 0, len(stand)*len(deps))
	for i, s := range stand {
		key := gameKey(s, i)
		for _, d := range deps {
			out = append(out, model.Observation{Game: key, Value: s.Value + d.Value})
		}
	}
	return out
}

func pairedSum(stand, deps []model.Observation) []model.Observation {
	deployed := make(map[string]float64, len(deps))
	for _, d := range deps {
		deployed[d.Game] += d.Value
	}
	out := make([]model.Observation, len(stand))
	for i, s := range stand {
		out[i] = model.Observation{Game: s.Game, Value: s.Value + deployed[s.Game]}
	}
	return out
}

func allKeyed(obs []model.Observation) bool {
	for _, o := range obs {
		if o.Game == "" {
			return false
		}
	}
	return true
}
