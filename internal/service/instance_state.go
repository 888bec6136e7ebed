package service

import (
	"github.com/qmuntal/stateless"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// instanceTrigger drives the instance lifecycle state machine.
type instanceTrigger string

const (
	triggerApprove  instanceTrigger = "approve"  // closing approval of the last step
	triggerAdvance  instanceTrigger = "advance"  // step closed, more steps remain
	triggerReject   instanceTrigger = "reject"
	triggerEscalate instanceTrigger = "escalate"
	triggerCancel   instanceTrigger = "cancel"
	triggerResume   instanceTrigger = "resume" // reassignment returns an escalated instance to pending
)

// newInstanceMachine configures the lifecycle machine at the given status.
//
//	pending   → pending (advance) | approved | rejected | escalated | cancelled
//	escalated → pending (resume) | rejected
//	approved / rejected / cancelled → terminal
func newInstanceMachine(current repository.InstanceStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)

	sm.Configure(repository.InstancePending).
		PermitReentry(triggerAdvance).
		Permit(triggerApprove, repository.InstanceApproved).
		Permit(triggerReject, repository.InstanceRejected).
		Permit(triggerEscalate, repository.InstanceEscalated).
		Permit(triggerCancel, repository.InstanceCancelled)

	sm.Configure(repository.InstanceEscalated).
		Permit(triggerResume, repository.InstancePending).
		Permit(triggerReject, repository.InstanceRejected)

	sm.Configure(repository.InstanceApproved)
	sm.Configure(repository.InstanceRejected)
	sm.Configure(repository.InstanceCancelled)

	return sm
}

// nextStatus validates trigger against the current status and returns the
// resulting status. Terminal instances always yield InstanceTerminalError;
// other invalid transitions yield a conflict.
func nextStatus(inst *repository.ApprovalInstance, trigger instanceTrigger) (repository.InstanceStatus, error) {
	if inst.Status.IsTerminal() {
		return inst.Status, errors.InstanceTerminal(inst.ID, string(inst.Status))
	}

	sm := newInstanceMachine(inst.Status)
	if err := sm.Fire(trigger); err != nil {
		return inst.Status, errors.New(errors.ErrCodeConflict,
			"action not allowed while instance is "+string(inst.Status))
	}
	return sm.MustState().(repository.InstanceStatus), nil
}
