package engine

import (
	"fmt"

	"github.com/eboa-io/eboa/internal/database"
)

// InsertionType selects the supersession policy applied to prior events of
// the same lineage when a new event is inserted.
type InsertionType string

const (
	SimpleUpdate   InsertionType = "SIMPLE_UPDATE"
	EventKeys      InsertionType = "EVENT_KEYS"
	InsertAndErase InsertionType = "INSERT_and_ERASE"
)

// ParseInsertionType validates an insertion type literal
func ParseInsertionType(value string) (InsertionType, error) {
	switch InsertionType(value) {
	case SimpleUpdate, EventKeys, InsertAndErase:
		return InsertionType(value), nil
	}
	return "", newValidationError(StatusWrongValue,
		fmt.Sprintf("unknown insertion type %q", value))
}

// AllowsInstantEvents reports whether events with start == stop are
// accepted under this policy.
func (t InsertionType) AllowsInstantEvents() bool {
	return t == SimpleUpdate
}

// matchCriterion selects which prior ACTIVE events of a gauge belong to the
// lineage a new insertion supersedes.
type matchCriterion int

const (
	// matchNone leaves prior events untouched
	matchNone matchCriterion = iota
	// matchByKey selects prior events sharing gauge and event key
	matchByKey
	// matchByOverlap selects prior events of the gauge whose period
	// overlaps the new event's period
	matchByOverlap
	// matchByValidity selects prior events of the gauge inside the new
	// source's validity window
	matchByValidity
)

// supersessionRule is one row of the insertion-type transition table:
// ACTIVE events matched by the criterion move to the target state.
type supersessionRule struct {
	Criterion   matchCriterion
	TargetState string
}

var supersessionRules = map[InsertionType]supersessionRule{
	SimpleUpdate:   {Criterion: matchByOverlap, TargetState: database.LineageSuperseded},
	EventKeys:      {Criterion: matchByKey, TargetState: database.LineageSuperseded},
	InsertAndErase: {Criterion: matchByValidity, TargetState: database.LineageErased},
}

// ruleFor returns the supersession rule of an insertion type. The rule for
// EventKeys degrades to matchNone when the new event carries no key.
func ruleFor(insertionType InsertionType, hasKey bool) supersessionRule {
	rule := supersessionRules[insertionType]
	if rule.Criterion == matchByKey && !hasKey {
		return supersessionRule{Criterion: matchNone}
	}
	return rule
}
