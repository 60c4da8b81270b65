// Package pipeline routes intents to their registered handlers, enforces the
// capability map, and persists approval-routed intents for deferred
// execution.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/intentstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
)

// Handler executes one intent type end to end: validate, evaluate rules,
// mutate entities, append events, dispatch projections, commit.
type Handler interface {
	IntentType() string
	Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error)
}

// Pipeline is a thin router and trace carrier; behavior lives in handlers.
type Pipeline struct {
	handlers map[string]Handler
	intents  *intentstore.Store

	// capabilityByIntent maps an intent type to the capability required to
	// submit it. Empty means no capability enforcement.
	capabilityByIntent map[string]string
}

func New(intents *intentstore.Store) *Pipeline {
	return &Pipeline{
		handlers:           make(map[string]Handler),
		intents:            intents,
		capabilityByIntent: make(map[string]string),
	}
}

// Register adds a handler for its intent type. Last registration wins.
func (p *Pipeline) Register(h Handler) {
	p.handlers[h.IntentType()] = h
}

// SetCapabilities installs the capability map: capability name to the intent
// types it grants.
func (p *Pipeline) SetCapabilities(capabilities map[string][]string) {
	p.capabilityByIntent = make(map[string]string)
	for capability, intentTypes := range capabilities {
		for _, t := range intentTypes {
			p.capabilityByIntent[t] = capability
		}
	}
}

// IntentTypes returns the registered intent types.
func (p *Pipeline) IntentTypes() []string {
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	return out
}

// Execute assigns a fresh intent id, checks the actor's capability, and runs
// the handler. An approval-routed result persists the intent before
// returning so a different actor can decide it later.
func (p *Pipeline) Execute(ctx context.Context, intent *domain.Intent, capabilities []string) (*domain.IntentResult, error) {
	if intent.Type == "" {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "intent type is required")
	}

	h, ok := p.handlers[intent.Type]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeHandlerNotFound,
			fmt.Sprintf("no handler registered for intent type %s", intent.Type))
	}

	if err := p.checkCapability(intent.Type, capabilities); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate intent id: %w", err)
	}
	intentID := id.String()
	if intent.CorrelationID == "" {
		intent.CorrelationID = intentID
	}

	result, err := h.Execute(ctx, intent, intentID)
	if err != nil {
		return nil, err
	}
	result.IntentID = intentID

	if result.PendingApproval() {
		if _, err := p.intents.Create(ctx, nil, intentID, intent,
			domain.IntentStatusPendingApproval, result.RequiredApproverRole); err != nil {
			return nil, err
		}
		logger.Info("intent routed for approval",
			zap.String("intent_id", intentID),
			zap.String("intent_type", intent.Type),
			zap.String("required_approver_role", result.RequiredApproverRole))
	}
	return result, nil
}

// ExecuteApproved runs a previously approved intent under its original id
// and actor. The stored intent transitions to executed or failed.
func (p *Pipeline) ExecuteApproved(ctx context.Context, intentID string) (*domain.IntentResult, error) {
	stored, err := p.intents.GetByID(ctx, nil, intentID)
	if err != nil {
		return nil, err
	}
	if stored.Status != domain.IntentStatusApproved {
		return nil, apperrors.Conflict(apperrors.CodeIntentNotApproved,
			fmt.Sprintf("intent %s is %s, not approved", intentID, stored.Status))
	}

	h, ok := p.handlers[stored.IntentType]
	if !ok {
		return nil, apperrors.NotFound(apperrors.CodeHandlerNotFound,
			fmt.Sprintf("no handler registered for intent type %s", stored.IntentType))
	}

	intent := stored.ToIntent()
	// Deferred execution already carries a human decision; suppress a second
	// routing loop.
	intent.Data = intent.Data.Merge(domain.Payload{"_approved_intent": true})

	result, err := h.Execute(ctx, intent, intentID)
	if err != nil {
		if markErr := p.intents.MarkFailed(ctx, nil, intentID, err.Error()); markErr != nil {
			logger.Error("mark intent failed", zap.String("intent_id", intentID), zap.Error(markErr))
		}
		return nil, err
	}
	result.IntentID = intentID

	if result.Success {
		if err := p.intents.MarkExecuted(ctx, nil, intentID, result.EventID); err != nil {
			return nil, err
		}
	} else {
		if err := p.intents.MarkFailed(ctx, nil, intentID, result.Error); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Pipeline) checkCapability(intentType string, capabilities []string) error {
	required, ok := p.capabilityByIntent[intentType]
	if !ok {
		return nil
	}
	for _, c := range capabilities {
		if c == required || c == "*" {
			return nil
		}
	}
	return apperrors.Forbidden(apperrors.CodeCapabilityDenied,
		fmt.Sprintf("capability %s required for %s", required, intentType))
}
