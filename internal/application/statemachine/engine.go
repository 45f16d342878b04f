package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/statemachine"
)

// Auditor records transitions. Every successful transition is logged.
type Auditor interface {
	LogEvent(ctx context.Context, entry audit.Entry) (string, error)
	LogEventTx(ctx context.Context, tx document.Tx, entry audit.Entry) (string, error)
}

// Engine validates and records transitions for one entity type.
type Engine struct {
	cfg     statemachine.Config
	auditor Auditor
	logger  zerolog.Logger
	now     func() time.Time
}

// NewEngine creates an engine for cfg.
func NewEngine(cfg statemachine.Config, auditor Auditor, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if auditor == nil {
		return nil, fmt.Errorf("state machine %s: auditor is required", cfg.EntityType)
	}
	return &Engine{
		cfg:     cfg,
		auditor: auditor,
		logger:  logger.With().Str("service", "statemachine").Str("entityType", cfg.EntityType).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() statemachine.Config { return e.cfg }

// CanTransition reports whether from→to is legal for the context.
func (e *Engine) CanTransition(from, to statemachine.State, c statemachine.Context) bool {
	_, err := e.match(from, to, e.withNow(c))
	return err == nil
}

// PossibleTransitions lists the states reachable from the given state for
// the context, in declaration order.
func (e *Engine) PossibleTransitions(from statemachine.State, c statemachine.Context) []statemachine.State {
	c = e.withNow(c)
	seen := map[statemachine.State]bool{}
	out := make([]statemachine.State, 0)
	for _, t := range e.cfg.Transitions {
		if seen[t.To] || !t.Matches(from, t.To) {
			continue
		}
		if _, err := e.match(from, t.To, c); err == nil {
			seen[t.To] = true
			out = append(out, t.To)
		}
	}
	return out
}

// Check reports whether from→to would pass its guards and the entry
// validators of to. Transition actions are not run.
func (e *Engine) Check(from, to statemachine.State, c statemachine.Context) error {
	_, err := e.check(from, to, e.withNow(c))
	return err
}

func (e *Engine) check(from, to statemachine.State, c statemachine.Context) (statemachine.Transition, error) {
	rule, err := e.match(from, to, c)
	if err != nil {
		return statemachine.Transition{}, err
	}
	for _, v := range e.cfg.ValidationRules {
		if v.State != to || v.Validator == nil {
			continue
		}
		if !v.Validator(c.Data) {
			return statemachine.Transition{}, &statemachine.ValidationError{EntityType: e.cfg.EntityType, State: to, Message: v.ErrorMessage}
		}
	}
	return rule, nil
}

// Validate runs the guards, the entry validators and the transition action
// for from→to. Nothing is recorded, but the action does run; use Check to
// test a transition ahead of performing it.
func (e *Engine) Validate(ctx context.Context, from, to statemachine.State, c statemachine.Context) error {
	c = e.withNow(c)
	rule, err := e.check(from, to, c)
	if err != nil {
		return err
	}
	if rule.Action != nil {
		if err := rule.Action(ctx, c); err != nil {
			return &statemachine.ActionError{EntityType: e.cfg.EntityType, From: from, To: to, Err: err}
		}
	}
	return nil
}

// Transition validates from→to and writes its audit record.
func (e *Engine) Transition(ctx context.Context, from, to statemachine.State, c statemachine.Context, reason string) (*statemachine.StateTransition, error) {
	return e.transition(ctx, from, to, c, reason, func(entry audit.Entry) (string, error) {
		return e.auditor.LogEvent(ctx, entry)
	})
}

// TransitionTx is Transition with the audit record written inside tx, so
// the state change and its audit trail commit together.
func (e *Engine) TransitionTx(ctx context.Context, tx document.Tx, from, to statemachine.State, c statemachine.Context, reason string) (*statemachine.StateTransition, error) {
	return e.transition(ctx, from, to, c, reason, func(entry audit.Entry) (string, error) {
		return e.auditor.LogEventTx(ctx, tx, entry)
	})
}

func (e *Engine) transition(
	ctx context.Context,
	from, to statemachine.State,
	c statemachine.Context,
	reason string,
	record func(audit.Entry) (string, error),
) (*statemachine.StateTransition, error) {
	c = e.withNow(c)
	if err := e.Validate(ctx, from, to, c); err != nil {
		e.logger.Warn().Err(err).
			Str("entityId", c.EntityID).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("role", string(c.Role)).
			Msg("transition rejected")
		return nil, err
	}

	actor := c.Actor
	if actor == "" {
		actor = document.SystemActor
	}
	metadata := map[string]any{}
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	metadata["reason"] = reason
	metadata["transition"] = fmt.Sprintf("%s->%s", from, to)
	metadata["automated"] = c.Automated
	metadata["role"] = string(c.Role)

	auditID, err := record(audit.Entry{
		UserID:       actor,
		Action:       audit.TransitionAction(e.cfg.EntityType),
		ResourceType: e.cfg.EntityType,
		ResourceID:   c.EntityID,
		OldData:      map[string]any{"status": string(from)},
		NewData:      map[string]any{"status": string(to)},
		Metadata:     metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("%s transition %s -> %s not recorded: %w", e.cfg.EntityType, from, to, err)
	}

	e.logger.Info().
		Str("entityId", c.EntityID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Str("auditId", auditID).
		Msg("state transition")

	return &statemachine.StateTransition{
		EntityType:   e.cfg.EntityType,
		EntityID:     c.EntityID,
		From:         from,
		To:           to,
		Actor:        actor,
		Role:         c.Role,
		Reason:       reason,
		Automated:    c.Automated,
		Timestamp:    c.Now,
		AuditEventID: auditID,
		Metadata:     c.Metadata,
	}, nil
}

// match finds the first rule permitting from→to.
func (e *Engine) match(from, to statemachine.State, c statemachine.Context) (statemachine.Transition, error) {
	illegal := func(reason string) error {
		return &statemachine.TransitionError{EntityType: e.cfg.EntityType, From: from, To: to, Reason: reason}
	}
	if e.cfg.IsFinal(from) {
		return statemachine.Transition{}, illegal("source state is final")
	}
	rules := e.cfg.Rules(from, to)
	if len(rules) == 0 {
		return statemachine.Transition{}, illegal("no rule for this transition")
	}
	reason := ""
	for _, r := range rules {
		if !r.RoleAllowed(c.Role) {
			reason = fmt.Sprintf("role %q not allowed", c.Role)
			continue
		}
		if r.Condition != nil && !r.Condition(c) {
			reason = "condition not met"
			continue
		}
		return r, nil
	}
	return statemachine.Transition{}, illegal(reason)
}

func (e *Engine) withNow(c statemachine.Context) statemachine.Context {
	if c.Now.IsZero() {
		c.Now = e.now()
	}
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	return c
}
