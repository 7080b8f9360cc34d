package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Status
	}{
		{name: "pending", input: "pending", expected: StatusPending},
		{name: "running", input: "running", expected: StatusRunning},
		{name: "completed", input: "completed", expected: StatusCompleted},
		{name: "failed", input: "failed", expected: StatusFailed},
		{name: "queued is unknown", input: "queued", expected: StatusPending},
		{name: "empty", input: "", expected: StatusPending},
		{name: "uppercase is unknown", input: "FAILED", expected: StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseStatus(tt.input))
		})
	}
}

func TestStatus_Stage(t *testing.T) {
	assert.Less(t, StatusPending.Stage(), StatusRunning.Stage())
	assert.Less(t, StatusRunning.Stage(), StatusCompleted.Stage())
	assert.Equal(t, StatusCompleted.Stage(), StatusFailed.Stage())
	assert.Equal(t, StatusPending.Stage(), ParseStatus("queued").Stage())
}

func TestJob_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{
			name: "pending job",
			job:  Job{ID: "j1", Status: StatusPending},
		},
		{
			name: "completed job with completed_at",
			job:  Job{ID: "j1", Status: StatusCompleted, CompletedAt: &now},
		},
		{
			name: "failed job with failed_at",
			job:  Job{ID: "j1", Status: StatusFailed, FailedAt: &now},
		},
		{
			name:    "both terminal timestamps",
			job:     Job{ID: "j1", Status: StatusFailed, FailedAt: &now, CompletedAt: &now},
			wantErr: true,
		},
		{
			name:    "running job with failed_at",
			job:     Job{ID: "j1", Status: StatusRunning, FailedAt: &now},
			wantErr: true,
		},
		{
			name:    "missing id",
			job:     Job{Status: StatusPending},
			wantErr: true,
		},
		{
			name:    "negative retry count",
			job:     Job{ID: "j1", Status: StatusPending, RetryCount: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedPayload)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateSnapshot_DuplicateIDs(t *testing.T) {
	err := ValidateSnapshot([]Job{{ID: "a"}, {ID: "b"}, {ID: "a"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "duplicate job id a")

	assert.NoError(t, ValidateSnapshot(nil))
}

func TestJob_Clone(t *testing.T) {
	failedAt := time.Now()
	job := Job{
		ID:         "j1",
		Parameters: json.RawMessage(`{"epochs":10}`),
		Status:     StatusFailed,
		FailedAt:   &failedAt,
	}

	clone := job.Clone()
	clone.Parameters[2] = 'X'
	*clone.FailedAt = failedAt.Add(time.Hour)

	assert.JSONEq(t, `{"epochs":10}`, string(job.Parameters))
	assert.Equal(t, failedAt, *job.FailedAt)
}

func TestErrors(t *testing.T) {
	t.Run("validation error matches sentinel", func(t *testing.T) {
		err := NewValidationError("parameters", "must be a JSON object")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, "invalid parameters: must be a JSON object", err.Error())
	})

	t.Run("action error is verbatim detail", func(t *testing.T) {
		err := &ActionError{Op: "retry", StatusCode: 400, Detail: "Only failed or completed jobs can be retried"}
		assert.Equal(t, "Only failed or completed jobs can be retried", err.Error())
	})

	t.Run("action error unwraps unauthorized", func(t *testing.T) {
		err := error(&ActionError{Op: "create", StatusCode: 401, Detail: "expired", Err: ErrUnauthorized})
		assert.True(t, errors.Is(err, ErrUnauthorized))
	})

	t.Run("transient sync error unwraps", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := NewTransientSyncError(cause)
		assert.ErrorIs(t, err, cause)
		var syncErr *TransientSyncError
		assert.True(t, errors.As(err, &syncErr))
	})
}
