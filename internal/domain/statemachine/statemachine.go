package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is an entity status.
type State string

// AnyState as a transition source matches every non-final state.
const AnyState State = "*"

// Role is the resolved role of the acting identity.
type Role string

const (
	RoleCreator  Role = "creator"
	RoleBusiness Role = "business"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Context carries who is acting and the entity data guards evaluate against.
type Context struct {
	EntityID  string
	Actor     string
	Role      Role
	Data      map[string]any
	Forced    bool
	Automated bool
	Now       time.Time
	Metadata  map[string]any
}

// Condition guards a transition.
type Condition func(c Context) bool

// Action runs before a transition completes; an error aborts the transition.
type Action func(ctx context.Context, c Context) error

// Validator checks a state-entry invariant against entity data.
type Validator func(data map[string]any) bool

// Transition is one rule of a configuration.
type Transition struct {
	From             State
	To               State
	Condition        Condition
	Action           Action
	RequiresApproval bool
	AllowedRoles     []Role
}

// Matches reports whether the rule covers from→to.
func (t Transition) Matches(from, to State) bool {
	return (t.From == from || t.From == AnyState) && t.To == to
}

// RoleAllowed reports whether role may use this rule.
func (t Transition) RoleAllowed(role Role) bool {
	if len(t.AllowedRoles) == 0 {
		return true
	}
	for _, r := range t.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ValidationRule is a state-entry invariant.
type ValidationRule struct {
	State        State
	Validator    Validator
	ErrorMessage string
}

// Config declares the legal lifecycle of one entity type.
type Config struct {
	EntityType      string
	InitialState    State
	FinalStates     []State
	Transitions     []Transition
	ValidationRules []ValidationRule
}

// IsFinal reports whether s is terminal.
func (c Config) IsFinal(s State) bool {
	for _, f := range c.FinalStates {
		if f == s {
			return true
		}
	}
	return false
}

// States returns every state named by the configuration, in declaration order.
func (c Config) States() []State {
	seen := map[State]bool{}
	var out []State
	add := func(s State) {
		if s == AnyState || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(c.InitialState)
	for _, t := range c.Transitions {
		add(t.From)
		add(t.To)
	}
	for _, f := range c.FinalStates {
		add(f)
	}
	return out
}

// Rules returns the transitions that cover from→to. Final states have none.
func (c Config) Rules(from, to State) []Transition {
	if c.IsFinal(from) {
		return nil
	}
	var out []Transition
	for _, t := range c.Transitions {
		if t.Matches(from, to) {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the configuration is well formed.
func (c Config) Validate() error {
	if c.EntityType == "" {
		return errors.New("state machine: entity type is required")
	}
	if c.InitialState == "" {
		return fmt.Errorf("state machine %s: initial state is required", c.EntityType)
	}
	if len(c.Transitions) == 0 {
		return fmt.Errorf("state machine %s: no transitions declared", c.EntityType)
	}
	for i, t := range c.Transitions {
		if t.From == "" || t.To == "" {
			return fmt.Errorf("state machine %s: transition %d has empty endpoint", c.EntityType, i)
		}
	}
	return nil
}

// StateTransition records a completed transition.
type StateTransition struct {
	EntityType   string         `json:"entityType"`
	EntityID     string         `json:"entityId"`
	From         State          `json:"from"`
	To           State          `json:"to"`
	Actor        string         `json:"actor"`
	Role         Role           `json:"role"`
	Reason       string         `json:"reason,omitempty"`
	Automated    bool           `json:"automated"`
	Timestamp    time.Time      `json:"timestamp"`
	AuditEventID string         `json:"auditEventId"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
