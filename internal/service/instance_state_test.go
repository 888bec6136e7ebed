package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

func TestNextStatusTransitions(t *testing.T) {
	cases := []struct {
		from    repository.InstanceStatus
		trigger instanceTrigger
		want    repository.InstanceStatus
	}{
		{repository.InstancePending, triggerAdvance, repository.InstancePending},
		{repository.InstancePending, triggerApprove, repository.InstanceApproved},
		{repository.InstancePending, triggerReject, repository.InstanceRejected},
		{repository.InstancePending, triggerEscalate, repository.InstanceEscalated},
		{repository.InstancePending, triggerCancel, repository.InstanceCancelled},
		{repository.InstanceEscalated, triggerResume, repository.InstancePending},
		{repository.InstanceEscalated, triggerReject, repository.InstanceRejected},
	}
	for _, tc := range cases {
		inst := &repository.ApprovalInstance{ID: "i1", Status: tc.from}
		got, err := nextStatus(inst, tc.trigger)
		require.NoError(t, err, "%s + %s", tc.from, tc.trigger)
		assert.Equal(t, tc.want, got)
	}
}

func TestNextStatusTerminal(t *testing.T) {
	for _, status := range []repository.InstanceStatus{
		repository.InstanceApproved,
		repository.InstanceRejected,
		repository.InstanceCancelled,
	} {
		inst := &repository.ApprovalInstance{ID: "i1", Status: status}
		for _, trigger := range []instanceTrigger{
			triggerApprove, triggerAdvance, triggerReject,
			triggerEscalate, triggerCancel, triggerResume,
		} {
			_, err := nextStatus(inst, trigger)
			assert.True(t, errors.IsConflict(err), "%s must refuse %s", status, trigger)
		}
	}
}

func TestNextStatusInvalidFromEscalated(t *testing.T) {
	inst := &repository.ApprovalInstance{ID: "i1", Status: repository.InstanceEscalated}

	// Escalated instances cannot advance or be cancelled; they must be
	// reassigned or rejected.
	for _, trigger := range []instanceTrigger{triggerApprove, triggerAdvance, triggerCancel} {
		_, err := nextStatus(inst, trigger)
		assert.True(t, errors.IsConflict(err), "escalated must refuse %s", trigger)
	}
}
