package rules

import (
	"context"
	"testing"

	"github.com/opensafety/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "speed > 100.0",
		Priority:   domain.PriorityMedium,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "invalid-rule",
		Expression: "this is not valid CEL !!!",
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err == nil {
		t.Error("expected error for invalid CEL expression")
	}
}

func TestValidateRuleRejectsNonScalar(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "string-rule",
		Expression: `"not a condition"`,
		Enabled:    true,
	}
	if err := engine.ValidateRule(rule); err == nil {
		t.Error("expected error for string-typed expression")
	}
}

func TestEvaluateFiring(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "speed-check",
		Expression: "speed > 150.0",
		Priority:   domain.PriorityMedium,
		Message:    "too fast",
		Enabled:    true,
	})
	engine.LoadRule(&domain.RuleConfig{
		ID:         "score-check",
		Expression: "safety_score < 30 && zones_inside > 0",
		Priority:   domain.PriorityHigh,
		Enabled:    true,
	})

	cases := []struct {
		name      string
		input     FixInput
		wantFired []string
	}{
		{
			name:      "nothing fires",
			input:     FixInput{TouristID: "T1", Speed: 10, SafetyScore: 90},
			wantFired: nil,
		},
		{
			name:      "speed fires",
			input:     FixInput{TouristID: "T1", Speed: 180, SafetyScore: 90},
			wantFired: []string{"speed-check"},
		},
		{
			name:      "score fires only inside a zone",
			input:     FixInput{TouristID: "T2", Speed: 5, SafetyScore: 20, ZonesInside: 1},
			wantFired: []string{"score-check"},
		},
		{
			name:      "low score outside zones does not fire",
			input:     FixInput{TouristID: "T3", Speed: 5, SafetyScore: 20},
			wantFired: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fired, err := engine.EvaluateAll(context.Background(), &tc.input)
			if err != nil {
				t.Fatal(err)
			}
			if len(fired) != len(tc.wantFired) {
				t.Fatalf("fired %d rules, want %d", len(fired), len(tc.wantFired))
			}
			for i, f := range fired {
				if f.Rule.ID != tc.wantFired[i] {
					t.Errorf("fired[%d] = %s, want %s", i, f.Rule.ID, tc.wantFired[i])
				}
			}
		})
	}
}

func TestEvaluateCooldown(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:              "cooled",
		Expression:      "speed > 10.0",
		CooldownSeconds: 3600,
		Enabled:         true,
	})

	in := &FixInput{TouristID: "T1", Speed: 50}
	fired, _ := engine.EvaluateAll(context.Background(), in)
	if len(fired) != 1 {
		t.Fatalf("first evaluation fired %d, want 1", len(fired))
	}

	fired, _ = engine.EvaluateAll(context.Background(), in)
	if len(fired) != 0 {
		t.Error("rule refired inside its cooldown window")
	}

	// Cooldowns are per tourist.
	fired, _ = engine.EvaluateAll(context.Background(), &FixInput{TouristID: "T2", Speed: 50})
	if len(fired) != 1 {
		t.Error("cooldown leaked across tourists")
	}
}

func TestEvaluateBrokenExpressionIsSilent(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	// Compiles, but fails at runtime on missing map key.
	engine.LoadRule(&domain.RuleConfig{
		ID:         "runtime-error",
		Expression: `fix["missing_key"] == "x"`,
		Enabled:    true,
	})

	fired, err := engine.EvaluateAll(context.Background(), &FixInput{TouristID: "T1"})
	if err != nil {
		t.Fatalf("runtime rule error must not fail the pipeline: %v", err)
	}
	if len(fired) != 0 {
		t.Error("errored rule must not fire")
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	engine.LoadRules(BuiltinRules())
	if engine.RulesCount() != len(BuiltinRules()) {
		t.Fatalf("loaded %d builtin rules", engine.RulesCount())
	}

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "only", Expression: "speed > 1.0", Enabled: true},
		{ID: "disabled", Expression: "speed > 2.0", Enabled: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("after reload: %d rules, want 1", engine.RulesCount())
	}
}

func TestBuiltinRulesCompile(t *testing.T) {
	engine, _ := NewEngine(5)
	defer engine.Close()

	for _, r := range BuiltinRules() {
		if err := engine.ValidateRule(r); err != nil {
			t.Errorf("builtin rule %s does not compile: %v", r.ID, err)
		}
	}
}
