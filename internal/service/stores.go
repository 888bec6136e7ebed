package service

import (
	"context"

	"github.com/procurata/be-approval-workflows/internal/repository"
)

// The engine holds no state of its own; everything it touches goes through
// these injected interfaces. The Postgres implementations live in
// internal/repository, the in-memory ones in internal/repository/memory.

// WorkflowStore persists workflow definitions and their steps.
type WorkflowStore interface {
	Create(ctx context.Context, def *repository.WorkflowDefinition, steps []*repository.ApprovalStep) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowDefinition, error)
	GetSteps(ctx context.Context, workflowID string) ([]*repository.ApprovalStep, error)
	List(ctx context.Context, companyID string, activeOnly bool) ([]*repository.WorkflowDefinition, error)
	ListActive(ctx context.Context, companyID string, docType repository.DocumentType) ([]*repository.WorkflowDefinition, error)
	SetActive(ctx context.Context, id string, active bool) error
	Update(ctx context.Context, def *repository.WorkflowDefinition, steps []*repository.ApprovalStep) error
	HasInstances(ctx context.Context, workflowID string) (bool, error)
}

// InstanceStore persists approval instances and exposes the locked
// transaction view used for atomic check-and-advance.
type InstanceStore interface {
	Create(ctx context.Context, inst *repository.ApprovalInstance, steps []*repository.InstanceStep) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	GetOpenByDocument(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*repository.ApprovalInstance, error)
	GetSteps(ctx context.Context, instanceID string) ([]*repository.InstanceStep, error)
	ListOpen(ctx context.Context) ([]*repository.ApprovalInstance, error)
	ListPendingForApprover(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) ([]*repository.ApprovalInstance, error)
	InInstanceTxn(ctx context.Context, instanceID string, fn func(txn repository.InstanceTxn) error) error
}

// ActionStore reads the append-only action log.
type ActionStore interface {
	ListByInstance(ctx context.Context, instanceID string) ([]*repository.ApprovalAction, error)
}

// UserInfo is what the identity service knows about an approver.
type UserInfo struct {
	UserID       string
	Role         repository.ApproverRole
	DepartmentID *string
}

// IdentityClient resolves user information from the identity service.
type IdentityClient interface {
	// GetUser returns the role and department of a user within a company.
	GetUser(ctx context.Context, companyID, userID string) (*UserInfo, error)
	// CountUsersWithRole returns the size of the eligible-approver pool for a
	// role, optionally scoped to a department.
	CountUsersWithRole(ctx context.Context, companyID string, role repository.ApproverRole, departmentID *string) (int, error)
}

// DocumentAttributes are the submission-time attributes of a procurement
// document; they are captured on the instance and never re-evaluated.
type DocumentAttributes struct {
	Amount       int64
	DepartmentID *string
	RequesterID  string
}

// DocumentsClient fetches document attributes from the owning service.
type DocumentsClient interface {
	GetSubmissionAttributes(ctx context.Context, companyID string, docType repository.DocumentType, documentID string) (*DocumentAttributes, error)
}

// Notification event types published on instance transitions.
const (
	EventInstanceCreated   = "instance_created"
	EventStepClosed        = "step_closed"
	EventInstanceApproved  = "instance_approved"
	EventInstanceRejected  = "instance_rejected"
	EventInstanceEscalated = "instance_escalated"
	EventInstanceCancelled = "instance_cancelled"
	EventSLABreached       = "sla_breached"
)

// Notifier publishes approval events. Implementations must be non-fatal:
// notification failures never interrupt approval operations.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, inst *repository.ApprovalInstance, actorID string, payload map[string]interface{})
}

// NopNotifier discards events; used when NATS is not configured.
type NopNotifier struct{}

func (NopNotifier) PublishApprovalEvent(context.Context, string, *repository.ApprovalInstance, string, map[string]interface{}) {
}
