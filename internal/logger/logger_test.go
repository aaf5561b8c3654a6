package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestNewDecisionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewDecisionID()
		if len(id) != 8 {
			t.Fatalf("id %q has length %d, want 8", id, len(id))
		}
		seen[id] = true
	}
	if len(seen) < 95 {
		t.Errorf("only %d distinct ids out of 100", len(seen))
	}
}

func TestDecisionIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := DecisionIDFromContext(ctx); got != "" {
		t.Errorf("empty context id = %q", got)
	}
	ctx = WithDecisionID(ctx, "abc12345")
	if got := DecisionIDFromContext(ctx); got != "abc12345" {
		t.Errorf("id = %q, want abc12345", got)
	}
}

func TestForDecisionTagsLines(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	l := ForDecision(WithDecisionID(context.Background(), "dec00001"))
	l.Info().Msg("Allocated")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if line["decisionId"] != "dec00001" {
		t.Errorf("decisionId = %v, want dec00001", line["decisionId"])
	}
}

func TestLogVectorTruncates(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).Level(zerolog.DebugLevel)

	LogVector(l, "mu", make([]float64, 100))
	if !strings.Contains(buf.String(), `"truncated":true`) {
		t.Errorf("long vector not truncated: %s", buf.String())
	}

	buf.Reset()
	LogVector(l, "mu", nil)
	if buf.Len() != 0 {
		t.Errorf("empty vector logged: %s", buf.String())
	}
}
