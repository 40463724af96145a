package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		current Status
		target  Status
		wantErr error
	}{
		{"receive to verified", TypeReceive, StatusReceived, StatusVerified, nil},
		{"pending receive skips ahead", TypeReceive, StatusPending, StatusVerified, nil},
		{"verify twice", TypeReceive, StatusVerified, StatusVerified, ErrAlreadyInState},
		{"back to received", TypeReceive, StatusVerified, StatusReceived, ErrAlreadyInState},
		{"confirm pending", TypeDistribute, StatusPending, StatusConfirmed, nil},
		{"deliver from confirmed", TypeDistribute, StatusConfirmed, StatusDelivered, nil},
		{"sent after delivered", TypeDistribute, StatusDelivered, StatusSent, ErrAlreadyInState},
		{"verify distribution", TypeDistribute, StatusPending, StatusVerified, ErrInvalidTransition},
		{"transfer rows are final", TypeTransfer, StatusCompleted, StatusDelivered, ErrInvalidTransition},
		{"activation rows are final", TypeActivate, StatusCompleted, StatusVerified, ErrInvalidTransition},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransition(tc.typ, tc.current, tc.target)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestActionTarget(t *testing.T) {
	target, err := ActionTarget(TypeReceive, "verify")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, target)

	target, err = ActionTarget(TypeDistribute, "mark-sent")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, target)

	_, err = ActionTarget(TypeReceive, "mark-sent")
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = ActionTarget(TypeDistribute, "explode")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
