package repository

import "time"

// ── Domain types for the approval workflow engine ────────────────────────────

// DocumentType is the kind of procurement document routed for approval.
type DocumentType string

const (
	DocumentTypePR       DocumentType = "pr"
	DocumentTypePO       DocumentType = "po"
	DocumentTypeInvoice  DocumentType = "invoice"
	DocumentTypeContract DocumentType = "contract"
)

var validDocumentTypes = map[DocumentType]bool{
	DocumentTypePR:       true,
	DocumentTypePO:       true,
	DocumentTypeInvoice:  true,
	DocumentTypeContract: true,
}

// Valid reports whether d is a known document type.
func (d DocumentType) Valid() bool { return validDocumentTypes[d] }

// ApproverRole is the role a step requires of its approvers.
type ApproverRole string

const (
	RoleAdmin          ApproverRole = "Admin"
	RolePICOperational ApproverRole = "PIC_Operational"
	RolePICProcurement ApproverRole = "PIC_Procurement"
	RolePICFinance     ApproverRole = "PIC_Finance"
)

var validRoles = map[ApproverRole]bool{
	RoleAdmin:          true,
	RolePICOperational: true,
	RolePICProcurement: true,
	RolePICFinance:     true,
}

// Valid reports whether r is a known approver role.
func (r ApproverRole) Valid() bool { return validRoles[r] }

// InstanceStatus is the lifecycle state of an approval instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceEscalated InstanceStatus = "escalated"
	InstanceCancelled InstanceStatus = "cancelled"
)

var terminalStatuses = map[InstanceStatus]bool{
	InstanceApproved:  true,
	InstanceRejected:  true,
	InstanceCancelled: true,
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s InstanceStatus) IsTerminal() bool { return terminalStatuses[s] }

// StepState tracks a snapshotted step within one instance.
type StepState string

const (
	StepPending   StepState = "pending"
	StepClosed    StepState = "closed"
	StepRejected  StepState = "rejected"
	StepCancelled StepState = "cancelled"
)

// ActionType is the kind of an approval action log entry.
type ActionType string

const (
	ActionApproved  ActionType = "approved"
	ActionRejected  ActionType = "rejected"
	ActionEscalated ActionType = "escalated"
	ActionDelegated ActionType = "delegated"
)

var validActions = map[ActionType]bool{
	ActionApproved:  true,
	ActionRejected:  true,
	ActionEscalated: true,
	ActionDelegated: true,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool { return validActions[a] }

// WorkflowDefinition is a named, company-scoped routing configuration.
// Amounts are cents; nil bounds mean no floor / no ceiling; a nil DepartmentID
// is a wildcard matching every department. Active definitions for the same
// (company, document type, department scope) must not have overlapping
// [AmountMin, AmountMax) windows.
type WorkflowDefinition struct {
	ID           string       `json:"id"`
	CompanyID    string       `json:"company_id"`
	Name         string       `json:"name"`
	DocumentType DocumentType `json:"document_type"`
	DepartmentID *string      `json:"department_id"`
	AmountMin    *int64       `json:"amount_min"`
	AmountMax    *int64       `json:"amount_max"`
	IsActive     bool         `json:"is_active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ApprovalStep is one ordered step of a workflow definition. Steps sharing a
// StepOrder run in parallel and must all be flagged IsParallel; distinct
// orders form a dense 1-based sequence.
type ApprovalStep struct {
	ID                string       `json:"id"`
	WorkflowID        string       `json:"workflow_id"`
	StepOrder         int          `json:"step_order"`
	RoleRequired      ApproverRole `json:"role_required"`
	DepartmentID      *string      `json:"department_id"`
	SLAHours          float64      `json:"sla_hours"`
	IsParallel        bool         `json:"is_parallel"`
	RequiredApprovals int          `json:"required_approvals"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ApprovalInstance tracks one document's progress through a workflow. The
// workflow reference and step list are frozen at submission; Amount and
// DepartmentID are captured for audit only and never re-evaluated.
type ApprovalInstance struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	CompanyID    string         `json:"company_id"`
	DocumentType DocumentType   `json:"document_type"`
	DocumentID   string         `json:"document_id"`
	RequesterID  string         `json:"requester_id"`
	CurrentStep  int            `json:"current_step"`
	Status       InstanceStatus `json:"status"`
	Amount       int64          `json:"amount"`
	DepartmentID *string        `json:"department_id"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// InstanceStep is the per-instance snapshot of a definition step plus its
// runtime closure state. StartedAt is set when the instance reaches the
// step's order and anchors SLA assessment.
type InstanceStep struct {
	ID                string       `json:"id"`
	InstanceID        string       `json:"instance_id"`
	StepID            string       `json:"step_id"`
	StepOrder         int          `json:"step_order"`
	RoleRequired      ApproverRole `json:"role_required"`
	DepartmentID      *string      `json:"department_id"`
	SLAHours          float64      `json:"sla_hours"`
	IsParallel        bool         `json:"is_parallel"`
	RequiredApprovals int          `json:"required_approvals"`
	State             StepState    `json:"state"`
	StartedAt         *time.Time   `json:"started_at"`
	ClosedAt          *time.Time   `json:"closed_at"`
}

// ApprovalAction is one append-only log entry. Duplicate approvals by the
// same approver on the same step are stored for audit but closure counting
// treats the log as a set keyed by (instance, step, approver).
type ApprovalAction struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	StepID     string     `json:"step_id"`
	ApproverID string     `json:"approver_id"`
	Action     ActionType `json:"action"`
	Comment    *string    `json:"comment"`
	CreatedAt  time.Time  `json:"created_at"`
}

// InstanceTxn is the transactional view of one locked approval instance.
// Implementations must guarantee that everything done through one InstanceTxn
// is atomic with respect to concurrent actions on the same instance: the
// closure check and the advance commit together or not at all.
type InstanceTxn interface {
	// Instance returns the row-locked instance as of transaction start.
	Instance() *ApprovalInstance
	// Steps returns the instance's snapshotted steps ordered by step order.
	Steps() ([]*InstanceStep, error)
	// DistinctApprovals counts distinct approvers with an approved action on a step.
	DistinctApprovals(stepID string) (int, error)
	// HasApproval reports whether approverID already approved the step.
	HasApproval(stepID, approverID string) (bool, error)
	// AppendAction writes one action log entry.
	AppendAction(action *ApprovalAction) error
	// CloseStep marks one step closed.
	CloseStep(stepID string, at time.Time) error
	// CloseOpenSteps moves every still-pending step to the given state.
	CloseOpenSteps(state StepState, at time.Time) error
	// AdvanceTo moves the instance to the given step order and starts its steps.
	AdvanceTo(order int, at time.Time) error
	// SetStatus updates the instance status, stamping completion when terminal.
	SetStatus(status InstanceStatus, at time.Time) error
}
