package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/domain"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

// fakeHandler records the intent it received and returns a canned result.
type fakeHandler struct {
	intentType string
	result     *domain.IntentResult
	gotIntent  *domain.Intent
	gotID      string
}

func (h *fakeHandler) IntentType() string { return h.intentType }

func (h *fakeHandler) Execute(_ context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	h.gotIntent = intent
	h.gotID = intentID
	return h.result, nil
}

func TestExecute_Success(t *testing.T) {
	h := &fakeHandler{
		intentType: "mdm.vendor.create",
		result:     &domain.IntentResult{Success: true, EventID: "ev-1"},
	}
	p := New(nil)
	p.Register(h)

	result, err := p.Execute(context.Background(), &domain.Intent{Type: "mdm.vendor.create"}, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.IntentID)
	assert.Equal(t, result.IntentID, h.gotID)
	assert.Equal(t, result.IntentID, h.gotIntent.CorrelationID, "correlation id defaults to the intent id")
}

func TestExecute_KeepsProvidedCorrelationID(t *testing.T) {
	h := &fakeHandler{
		intentType: "mdm.vendor.create",
		result:     &domain.IntentResult{Success: true},
	}
	p := New(nil)
	p.Register(h)

	_, err := p.Execute(context.Background(), &domain.Intent{
		Type:          "mdm.vendor.create",
		CorrelationID: "corr-77",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "corr-77", h.gotIntent.CorrelationID)
}

func TestExecute_MissingType(t *testing.T) {
	p := New(nil)
	_, err := p.Execute(context.Background(), &domain.Intent{}, nil)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
}

func TestExecute_UnknownType(t *testing.T) {
	p := New(nil)
	_, err := p.Execute(context.Background(), &domain.Intent{Type: "nope"}, nil)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeHandlerNotFound, appErr.Code)
}

func TestExecute_CapabilityEnforcement(t *testing.T) {
	h := &fakeHandler{
		intentType: "ap.invoice.submit",
		result:     &domain.IntentResult{Success: true},
	}
	p := New(nil)
	p.Register(h)
	p.SetCapabilities(map[string][]string{
		"ap:clerk": {"ap.invoice.submit"},
	})

	intent := &domain.Intent{Type: "ap.invoice.submit"}

	_, err := p.Execute(context.Background(), intent, nil)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeCapabilityDenied, appErr.Code)

	_, err = p.Execute(context.Background(), intent, []string{"other"})
	require.Error(t, err)

	_, err = p.Execute(context.Background(), intent, []string{"ap:clerk"})
	assert.NoError(t, err)

	// Wildcard grants everything.
	_, err = p.Execute(context.Background(), intent, []string{"*"})
	assert.NoError(t, err)
}

func TestExecute_UnmappedIntentNeedsNoCapability(t *testing.T) {
	h := &fakeHandler{
		intentType: "mdm.item.create",
		result:     &domain.IntentResult{Success: true},
	}
	p := New(nil)
	p.Register(h)
	p.SetCapabilities(map[string][]string{
		"ap:clerk": {"ap.invoice.submit"},
	})

	_, err := p.Execute(context.Background(), &domain.Intent{Type: "mdm.item.create"}, nil)
	assert.NoError(t, err)
}

func TestIntentTypes(t *testing.T) {
	p := New(nil)
	p.Register(&fakeHandler{intentType: "a", result: &domain.IntentResult{}})
	p.Register(&fakeHandler{intentType: "b", result: &domain.IntentResult{}})

	types := p.IntentTypes()
	assert.ElementsMatch(t, []string{"a", "b"}, types)
}
