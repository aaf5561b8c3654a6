package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/reinforce/internal/model"
)

// parseTerritories parses "12,14,15".
func parseTerritories(s string) ([]model.TerritoryID, error) {
	var out []model.TerritoryID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("territory %q: %w", part, err)
		}
		out = append(out, model.TerritoryID(n))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no territories given")
	}
	return out, nil
}

// parseWeights parses "12=0.5,14=1". An empty string yields nil.
func parseWeights(s string) (map[model.TerritoryID]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[model.TerritoryID]float64)
	for _, part := range strings.Split(s, ",") {
		id, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("%q: want territory=value", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("territory %q: %w", id, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", val, err)
		}
		out[model.TerritoryID(n)] = v
	}
	return out, nil
}
