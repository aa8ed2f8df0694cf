package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrStepFailed, "agent step failed")
	assert.Equal(t, "[STEP_FAILED] agent step failed", err.Error())

	cause := errors.New("connection reset")
	err = err.WithCause(cause)
	assert.Equal(t, "[STEP_FAILED] agent step failed: connection reset", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorBuilders(t *testing.T) {
	err := NewError(ErrStepFailed, "boom").
		WithSeverity(SeverityCritical).
		WithCategory(CategoryDecisionSupport).
		WithRetryable(true).
		WithRun("wf-1", "run-1").
		WithNode("node-3")

	assert.Equal(t, SeverityCritical, err.Severity)
	assert.Equal(t, CategoryDecisionSupport, err.Category)
	assert.True(t, err.Retryable)
	assert.Equal(t, "wf-1", err.WorkflowID)
	assert.Equal(t, "run-1", err.RunID)
	assert.Equal(t, "node-3", err.NodeID)
}

func TestSeverityOfWrappedError(t *testing.T) {
	inner := NewError(ErrTimeout, "slow upstream").WithSeverity(SeverityPersistent)
	wrapped := fmt.Errorf("executing node: %w", inner)

	assert.Equal(t, SeverityPersistent, SeverityOf(wrapped))
	assert.Equal(t, CategoryBusinessLogic, CategoryOf(wrapped))
}

func TestSeverityOfPlainError(t *testing.T) {
	// Unknown failures default to the retry path.
	assert.Equal(t, SeverityTransient, SeverityOf(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestInvolvesSensitiveData(t *testing.T) {
	byFlag := NewError(ErrStepFailed, "x").WithSensitiveData()
	byCategory := NewError(ErrStepFailed, "x").WithCategory(CategorySensitiveData)

	assert.True(t, InvolvesSensitiveData(byFlag))
	assert.True(t, InvolvesSensitiveData(byCategory))
	assert.False(t, InvolvesSensitiveData(NewError(ErrStepFailed, "x")))
}

func TestSeverityString(t *testing.T) {
	require.Equal(t, "transient", SeverityTransient.String())
	require.Equal(t, "persistent", SeverityPersistent.String())
	require.Equal(t, "critical", SeverityCritical.String())
	require.Equal(t, "catastrophic", SeverityCatastrophic.String())
	require.Equal(t, "unknown", Severity(99).String())
}
