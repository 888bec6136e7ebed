package service

import (
	"context"
	"time"

	"github.com/procurata/be-approval-workflows/internal/repository"
)

// SLAStatus is the advisory assessment of an open step. Breach never
// transitions an instance; escalation tooling decides what to do with it.
type SLAStatus string

const (
	SLAOk            SLAStatus = "ok"
	SLAAtRisk        SLAStatus = "at_risk"
	SLABreachedState SLAStatus = "breached"
	// SLANotApplicable covers closed steps and steps that have not started.
	SLANotApplicable SLAStatus = "not_applicable"
)

// atRiskFraction of the SLA window at which a step turns at_risk.
const atRiskFraction = 0.8

// AssessStep classifies elapsed time against a step's SLA window:
// ok below 0.8×sla, at_risk from 0.8×sla, breached from sla.
func AssessStep(slaHours float64, startedAt, now time.Time) SLAStatus {
	elapsedHours := now.Sub(startedAt).Hours()
	switch {
	case elapsedHours >= slaHours:
		return SLABreachedState
	case elapsedHours >= atRiskFraction*slaHours:
		return SLAAtRisk
	default:
		return SLAOk
	}
}

func assessInstanceStep(step *repository.InstanceStep, now time.Time) SLAStatus {
	if step.State != repository.StepPending || step.StartedAt == nil {
		return SLANotApplicable
	}
	return AssessStep(step.SLAHours, *step.StartedAt, now)
}

// TotalSLAHours is the workflow's end-to-end SLA for display: serial steps
// add up, while steps sharing an order run concurrently and contribute only
// the group's maximum.
func TotalSLAHours(steps []*repository.ApprovalStep) float64 {
	groupMax := make(map[int]float64)
	for _, step := range steps {
		if step.SLAHours > groupMax[step.StepOrder] {
			groupMax[step.StepOrder] = step.SLAHours
		}
	}

	total := 0.0
	for _, max := range groupMax {
		total += max
	}
	return total
}

// SLABreach is one open step that has left its SLA window.
type SLABreach struct {
	Instance     *repository.ApprovalInstance `json:"instance"`
	Step         *repository.InstanceStep     `json:"step"`
	Status       SLAStatus                    `json:"status"`
	ElapsedHours float64                      `json:"elapsed_hours"`
}

// ListBreaches walks open instances and returns steps at the active order
// that are breached, plus at-risk ones when includeAtRisk is set.
func (s *ApprovalService) ListBreaches(ctx context.Context, now time.Time, includeAtRisk bool) ([]*SLABreach, error) {
	open, err := s.instances.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	var breaches []*SLABreach
	for _, inst := range open {
		steps, err := s.instances.GetSteps(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		for _, step := range steps {
			if step.StepOrder != inst.CurrentStep {
				continue
			}
			status := assessInstanceStep(step, now)
			if status == SLABreachedState || (includeAtRisk && status == SLAAtRisk) {
				breaches = append(breaches, &SLABreach{
					Instance:     inst,
					Step:         step,
					Status:       status,
					ElapsedHours: now.Sub(*step.StartedAt).Hours(),
				})
			}
		}
	}
	return breaches, nil
}
