package statemachine

import (
	"fmt"

	"gopkg.in/yaml.v3"

	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

type yamlTransition struct {
	From             string   `yaml:"from"`
	To               string   `yaml:"to"`
	Condition        string   `yaml:"condition"`
	Action           string   `yaml:"action"`
	RequiresApproval bool     `yaml:"requiresApproval"`
	AllowedRoles     []string `yaml:"allowedRoles"`
}

type yamlRule struct {
	State        string `yaml:"state"`
	Validator    string `yaml:"validator"`
	ErrorMessage string `yaml:"errorMessage"`
}

type yamlConfig struct {
	EntityType      string           `yaml:"entityType"`
	InitialState    string           `yaml:"initialState"`
	FinalStates     []string         `yaml:"finalStates"`
	Transitions     []yamlTransition `yaml:"transitions"`
	ValidationRules []yamlRule       `yaml:"validationRules"`
}

type yamlFile struct {
	StateMachines []yamlConfig `yaml:"stateMachines"`
}

// LoadConfigYAML builds a configuration from YAML. Conditions and validators
// are govaluate expressions over the entity data plus role, actor, forced,
// automated and now (unix ms). Nested fields are addressed as [a.b].
// Actions are looked up by name in actions.
func LoadConfigYAML(data []byte, actions map[string]sm.Action) (sm.Config, error) {
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return sm.Config{}, fmt.Errorf("parse state machine yaml: %w", err)
	}
	return raw.build(actions)
}

// LoadConfigsYAML parses a file holding several machines under the
// stateMachines key, keyed by entity type.
func LoadConfigsYAML(data []byte, actions map[string]sm.Action) (map[string]sm.Config, error) {
	var raw yamlFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse state machine yaml: %w", err)
	}
	out := make(map[string]sm.Config, len(raw.StateMachines))
	for _, rc := range raw.StateMachines {
		cfg, err := rc.build(actions)
		if err != nil {
			return nil, err
		}
		if _, dup := out[cfg.EntityType]; dup {
			return nil, fmt.Errorf("state machine %s declared twice", cfg.EntityType)
		}
		out[cfg.EntityType] = cfg
	}
	return out, nil
}

func (rc yamlConfig) build(actions map[string]sm.Action) (sm.Config, error) {
	cfg := sm.Config{
		EntityType:   rc.EntityType,
		InitialState: sm.State(rc.InitialState),
	}
	for _, f := range rc.FinalStates {
		cfg.FinalStates = append(cfg.FinalStates, sm.State(f))
	}
	for i, rt := range rc.Transitions {
		cond, err := compileCondition(rt.Condition)
		if err != nil {
			return sm.Config{}, fmt.Errorf("state machine %s: transition %d condition: %w", rc.EntityType, i, err)
		}
		t := sm.Transition{
			From:             sm.State(rt.From),
			To:               sm.State(rt.To),
			Condition:        cond,
			RequiresApproval: rt.RequiresApproval,
		}
		if rt.Action != "" {
			action, ok := actions[rt.Action]
			if !ok {
				return sm.Config{}, fmt.Errorf("state machine %s: unknown action %q", rc.EntityType, rt.Action)
			}
			t.Action = action
		}
		for _, r := range rt.AllowedRoles {
			t.AllowedRoles = append(t.AllowedRoles, sm.Role(r))
		}
		cfg.Transitions = append(cfg.Transitions, t)
	}
	for i, rr := range rc.ValidationRules {
		v, err := compileValidator(rr.Validator)
		if err != nil {
			return sm.Config{}, fmt.Errorf("state machine %s: validation rule %d: %w", rc.EntityType, i, err)
		}
		cfg.ValidationRules = append(cfg.ValidationRules, sm.ValidationRule{
			State:        sm.State(rr.State),
			Validator:    v,
			ErrorMessage: rr.ErrorMessage,
		})
	}
	if err := cfg.Validate(); err != nil {
		return sm.Config{}, err
	}
	return cfg, nil
}
