// Package rules provides the CEL-Go based anomaly rule engine.
//
// Admin-configured rules are boolean CEL expressions over location-fix
// variables. A rule that yields true raises a SYSTEM alert through the
// evaluator. Rules are hot-reloadable from the repository.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensafety/kestrel/internal/domain"
)

// Engine is the CEL-based anomaly rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	lastFired     map[string]time.Time // ruleID|touristID -> last fire
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new anomaly rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// CEL environment with location-fix variables
	env, err := cel.NewEnv(
		cel.Variable("fix", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tourist_id", cel.StringType),
		cel.Variable("lat", cel.DoubleType),
		cel.Variable("lng", cel.DoubleType),
		cel.Variable("speed", cel.DoubleType),
		cel.Variable("accuracy", cel.DoubleType),
		cel.Variable("heading", cel.DoubleType),
		cel.Variable("safety_score", cel.IntType),
		cel.Variable("minutes_since_seen", cel.DoubleType),
		cel.Variable("zones_inside", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		lastFired:     make(map[string]time.Time),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// FixInput holds the location-fix data for rule evaluation.
type FixInput struct {
	TouristID        string
	Lat              float64
	Lng              float64
	Speed            float64
	Accuracy         float64
	Heading          float64
	SafetyScore      int
	MinutesSinceSeen float64
	ZonesInside      int
	AdditionalData   map[string]any
}

// Fired describes a rule that matched a fix.
type Fired struct {
	Rule   *domain.RuleConfig
	Result domain.RuleResult
}

// EvaluateAll evaluates all loaded rules against one fix in parallel and
// returns the rules that fired. A rule inside its cooldown window for the
// tourist is skipped.
func (e *Engine) EvaluateAll(ctx context.Context, input *FixInput) ([]Fired, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}

	activation := map[string]any{
		"fix": map[string]any{
			"tourist_id": input.TouristID,
			"lat":        input.Lat,
			"lng":        input.Lng,
			"speed":      input.Speed,
			"accuracy":   input.Accuracy,
		},
		"tourist_id":         input.TouristID,
		"lat":                input.Lat,
		"lng":                input.Lng,
		"speed":              input.Speed,
		"accuracy":           input.Accuracy,
		"heading":            input.Heading,
		"safety_score":       input.SafetyScore,
		"minutes_since_seen": input.MinutesSinceSeen,
		"zones_inside":       input.ZonesInside,
	}
	for k, v := range input.AdditionalData {
		activation[k] = v
	}

	results := make([]*Fired, len(rules))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.evaluateRule(r, activation, input)
		}(i, rule)
	}

	wg.Wait()

	var fired []Fired
	now := time.Now()
	for _, r := range results {
		if r == nil || !r.Result.Triggered {
			continue
		}
		if e.inCooldown(r.Rule, input.TouristID, now) {
			continue
		}
		e.markFired(r.Rule, input.TouristID, now)
		fired = append(fired, *r)
	}

	return fired, nil
}

// evaluateRule evaluates a single rule against a fix.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any, input *FixInput) *Fired {
	start := time.Now()

	result := domain.RuleResult{
		RuleID:    rule.Config.ID,
		TouristID: input.TouristID,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		// A broken expression must not take down the fix pipeline.
		result.Triggered = false
		result.ProcessMs = time.Since(start).Milliseconds()
		return &Fired{Rule: rule.Config, Result: result}
	}

	result.Triggered = toBool(out)
	result.ProcessMs = time.Since(start).Milliseconds()

	return &Fired{Rule: rule.Config, Result: result}
}

// toBool converts a CEL value to a triggered flag.
func toBool(val ref.Val) bool {
	switch v := val.(type) {
	case types.Bool:
		return bool(v)
	case types.Double:
		return float64(v) > 0
	case types.Int:
		return int64(v) > 0
	default:
		return false
	}
}

func (e *Engine) inCooldown(rule *domain.RuleConfig, touristID string, now time.Time) bool {
	if rule.CooldownSeconds <= 0 {
		return false
	}
	e.mu.RLock()
	last, ok := e.lastFired[rule.ID+"|"+touristID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	return now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second
}

func (e *Engine) markFired(rule *domain.RuleConfig, touristID string, now time.Time) {
	if rule.CooldownSeconds <= 0 {
		return
	}
	e.mu.Lock()
	e.lastFired[rule.ID+"|"+touristID] = now
	e.mu.Unlock()
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the repository.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.lastFired = make(map[string]time.Time)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
