package service

import (
	"fmt"
	"math"

	"github.com/procurata/be-approval-workflows/internal/errors"
	"github.com/procurata/be-approval-workflows/internal/repository"
)

// selectWorkflow picks the single applicable definition for a document.
//
// Filtering: active definitions of the right document type whose department
// matches exactly or is a wildcard (nil), and whose half-open amount window
// [min, max) contains the amount (nil bounds are open).
//
// Tie-break when several candidates survive: an exact department match beats
// a wildcard; among the remainder the narrowest amount window wins; a
// still-tied result is a configuration error surfaced as
// AmbiguousWorkflowError, never resolved by silently picking one.
func selectWorkflow(defs []*repository.WorkflowDefinition, docType repository.DocumentType, amount int64, departmentID *string) (*repository.WorkflowDefinition, error) {
	var candidates []*repository.WorkflowDefinition
	for _, def := range defs {
		if !def.IsActive || def.DocumentType != docType {
			continue
		}
		if !departmentMatches(def.DepartmentID, departmentID) {
			continue
		}
		if !amountInWindow(def.AmountMin, def.AmountMax, amount) {
			continue
		}
		candidates = append(candidates, def)
	}

	if len(candidates) == 0 {
		return nil, errors.NotFound("workflow_definition",
			fmt.Sprintf("%s/amount=%d", docType, amount))
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	// Exact department match beats wildcard.
	if departmentID != nil {
		var exact []*repository.WorkflowDefinition
		for _, def := range candidates {
			if def.DepartmentID != nil {
				exact = append(exact, def)
			}
		}
		if len(exact) == 1 {
			return exact[0], nil
		}
		if len(exact) > 1 {
			candidates = exact
		}
	}

	// Narrowest amount window is the most specific.
	narrowest := candidates[0]
	tied := false
	for _, def := range candidates[1:] {
		w, nw := windowWidth(def), windowWidth(narrowest)
		switch {
		case w < nw:
			narrowest = def
			tied = false
		case w == nw:
			tied = true
		}
	}
	if tied {
		return nil, errors.AmbiguousWorkflow(fmt.Sprintf(
			"%d active definitions match %s amount %d with equal specificity",
			len(candidates), docType, amount))
	}
	return narrowest, nil
}

// departmentMatches applies wildcard semantics: a nil definition department
// applies to every document department.
func departmentMatches(defDept, docDept *string) bool {
	if defDept == nil {
		return true
	}
	return docDept != nil && *defDept == *docDept
}

// amountInWindow checks the half-open window [min, max); nil bounds are open.
func amountInWindow(min, max *int64, amount int64) bool {
	if min != nil && amount < *min {
		return false
	}
	if max != nil && amount >= *max {
		return false
	}
	return true
}

// windowWidth measures specificity; unbounded sides count as infinite.
func windowWidth(def *repository.WorkflowDefinition) int64 {
	if def.AmountMin == nil || def.AmountMax == nil {
		return math.MaxInt64
	}
	return *def.AmountMax - *def.AmountMin
}
