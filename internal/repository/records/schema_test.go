package records

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/freeeve/reinforce/internal/model"
)

func TestEntriesMatchSchema(t *testing.T) {
	schema, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "record_entry.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	s := NewStore(t.TempDir())
	record(t, s, 3, "g1", 0, model.StandingArmy, map[model.TerritoryID]float64{1: 5, 12: 3})
	record(t, s, 3, "g1", 4, model.DefenseDeployment, map[model.TerritoryID]float64{7: 2.5})

	n := 0
	err = s.Scan(context.Background(), func(e Entry) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if err := schema.Validate(doc); err != nil {
			t.Errorf("entry %s: %v", raw, err)
		}
		n++
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}

	var bad any
	_ = json.Unmarshal([]byte(`{"map_id":3,"game_id":"g1","turn":0,"kind":"attack_power","values":{"1":5}}`), &bad)
	if err := schema.Validate(bad); err == nil {
		t.Error("expected derived kind to fail validation")
	}
}
