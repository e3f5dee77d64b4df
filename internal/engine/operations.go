package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 second-precision layout used by all
// ingested documents.
const TimestampLayout = "2006-01-02T15:04:05"

const timestampLayoutFractional = "2006-01-02T15:04:05.999999"

// ParseTimestamp parses an ingestion document timestamp
func ParseTimestamp(value string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(timestampLayoutFractional, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
	}
	return t, nil
}

// SeverityLevel maps a severity literal to its numeric level
func SeverityLevel(name string) (int, bool) {
	level, ok := severityLevels[name]
	return level, ok
}

// Severity levels accepted in alert configurations
var severityLevels = map[string]int{
	"info":     0,
	"warning":  1,
	"minor":    2,
	"major":    3,
	"critical": 4,
	"fatal":    5,
}

// IngestionDocument is the top-level ingestion payload
type IngestionDocument struct {
	Operations []Operation `json:"operations"`
}

// Operation is one unit of ingestion, treated transactionally
type Operation struct {
	Mode               string            `json:"mode"`
	DimSignature       DimSignatureSpec  `json:"dim_signature"`
	Source             SourceSpec        `json:"source"`
	ExplicitReferences []ExplicitRefSpec `json:"explicit_references,omitempty"`
	Events             []EventSpec       `json:"events,omitempty"`
	Annotations        []AnnotationSpec  `json:"annotations,omitempty"`
	Alerts             []AlertSpec       `json:"alerts,omitempty"`
}

// DimSignatureSpec identifies the producing pipeline
type DimSignatureSpec struct {
	Name    string `json:"name"`
	Exec    string `json:"exec"`
	Version string `json:"version"`
}

// SourceSpec describes the ingested data product
type SourceSpec struct {
	Name                  string                     `json:"name"`
	ReceptionTime         string                     `json:"reception_time,omitempty"`
	GenerationTime        string                     `json:"generation_time"`
	ValidityStart         string                     `json:"validity_start"`
	ValidityStop          string                     `json:"validity_stop"`
	Priority              *int                       `json:"priority,omitempty"`
	IngestionCompleteness *IngestionCompletenessSpec `json:"ingestion_completeness,omitempty"`
}

// IngestionCompletenessSpec flags a partially ingested source
type IngestionCompletenessSpec struct {
	Check   bool   `json:"check"`
	Message string `json:"message"`
}

// ExplicitRefSpec declares an explicit reference with optional group and links
type ExplicitRefSpec struct {
	Name  string       `json:"name"`
	Group string       `json:"group,omitempty"`
	Links []ERLinkSpec `json:"links,omitempty"`
}

// ERLinkSpec links two explicit references under a name; BackRef, when
// present, also creates the reverse link under that name.
type ERLinkSpec struct {
	Link    string `json:"link"`
	Name    string `json:"name"`
	BackRef string `json:"back_ref,omitempty"`
}

// GaugeSpec classifies an event and selects its insertion policy
type GaugeSpec struct {
	Name          string `json:"name"`
	System        string `json:"system"`
	InsertionType string `json:"insertion_type"`
}

// EventSpec describes one event to insert
type EventSpec struct {
	LinkRef           string          `json:"link_ref,omitempty"`
	ExplicitReference string          `json:"explicit_reference,omitempty"`
	Gauge             GaugeSpec       `json:"gauge"`
	Start             string          `json:"start"`
	Stop              string          `json:"stop"`
	Key               string          `json:"key,omitempty"`
	Links             []EventLinkSpec `json:"links,omitempty"`
	Values            []ValueSpec     `json:"values,omitempty"`
	Alerts            []AlertSpec     `json:"alerts,omitempty"`
}

// EventLinkSpec links an event to another event, by operation-local
// link_ref alias or by UUID.
type EventLinkSpec struct {
	Link     string `json:"link"`
	LinkMode string `json:"link_mode"`
	Name     string `json:"name"`
	BackRef  string `json:"back_ref,omitempty"`
}

// AnnotationSpec describes one annotation to insert
type AnnotationSpec struct {
	ExplicitReference string            `json:"explicit_reference"`
	AnnotationCnf     AnnotationCnfSpec `json:"annotation_cnf"`
	Values            []ValueSpec       `json:"values,omitempty"`
	Alerts            []AlertSpec       `json:"alerts,omitempty"`
}

// AnnotationCnfSpec names the annotation configuration
type AnnotationCnfSpec struct {
	Name   string `json:"name"`
	System string `json:"system"`
}

// ValueSpec is a named, typed datum; object values nest children
type ValueSpec struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Value  string      `json:"value,omitempty"`
	Values []ValueSpec `json:"values,omitempty"`
}

// AlertSpec describes one alert instance to attach
type AlertSpec struct {
	Message          string           `json:"message"`
	Generator        string           `json:"generator"`
	NotificationTime string           `json:"notification_time"`
	AlertCnf         AlertCnfSpec     `json:"alert_cnf"`
	Entity           *AlertEntitySpec `json:"entity,omitempty"`
}

// AlertCnfSpec names the alert configuration
type AlertCnfSpec struct {
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	Group       string `json:"group,omitempty"`
}

// AlertEntitySpec binds an operation-level alert to its subject entity
type AlertEntitySpec struct {
	ReferenceMode string `json:"reference_mode"`
	Reference     string `json:"reference"`
	Type          string `json:"type"`
}

// flatValue is one row of the flattened value tree
type flatValue struct {
	Name           string
	Type           string
	Value          *string
	Position       int
	ParentPosition *int
}

// flattenValues walks the value tree depth-first, validating each literal
// against its declared type and assigning position indexes that preserve
// document order.
func flattenValues(specs []ValueSpec) ([]flatValue, error) {
	var flat []flatValue
	position := 0
	if err := flattenValuesInto(specs, nil, &position, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func flattenValuesInto(specs []ValueSpec, parent *int, position *int, flat *[]flatValue) error {
	for _, spec := range specs {
		if spec.Name == "" {
			return newValidationError(StatusWrongValue, "value without a name")
		}
		current := *position
		*position++

		switch spec.Type {
		case "text":
			value := spec.Value
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Value: &value, Position: current, ParentPosition: parent})
		case "double":
			if _, err := strconv.ParseFloat(spec.Value, 64); err != nil {
				return newValidationError(StatusWrongValue,
					fmt.Sprintf("value %q of type double cannot be coerced from %q", spec.Name, spec.Value))
			}
			value := spec.Value
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Value: &value, Position: current, ParentPosition: parent})
		case "timestamp":
			t, err := ParseTimestamp(spec.Value)
			if err != nil {
				return newValidationError(StatusWrongValue,
					fmt.Sprintf("value %q of type timestamp cannot be coerced from %q", spec.Name, spec.Value))
			}
			value := t.Format(TimestampLayout)
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Value: &value, Position: current, ParentPosition: parent})
		case "boolean":
			b, err := strconv.ParseBool(strings.ToLower(spec.Value))
			if err != nil {
				return newValidationError(StatusWrongValue,
					fmt.Sprintf("value %q of type boolean cannot be coerced from %q", spec.Name, spec.Value))
			}
			value := strconv.FormatBool(b)
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Value: &value, Position: current, ParentPosition: parent})
		case "geometry":
			normalized, err := validateGeometry(spec.Name, spec.Value)
			if err != nil {
				return err
			}
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Value: &normalized, Position: current, ParentPosition: parent})
		case "object":
			*flat = append(*flat, flatValue{Name: spec.Name, Type: spec.Type, Position: current, ParentPosition: parent})
			if err := flattenValuesInto(spec.Values, &current, position, flat); err != nil {
				return err
			}
		default:
			return newValidationError(StatusWrongValue,
				fmt.Sprintf("value %q has unknown type %q", spec.Name, spec.Type))
		}
	}
	return nil
}

// validateGeometry checks the coordinate list of a geometry value. The
// coordinate count must be even and describe at least two points.
func validateGeometry(name, value string) (string, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return "", newValidationError(StatusWrongGeometry,
			fmt.Sprintf("geometry value %q is empty", name))
	}
	for _, field := range fields {
		if _, err := strconv.ParseFloat(field, 64); err != nil {
			return "", newValidationError(StatusWrongValue,
				fmt.Sprintf("geometry value %q has non-numeric coordinate %q", name, field))
		}
	}
	if len(fields)%2 != 0 {
		return "", newValidationError(StatusOddNumberOfCoordinates,
			fmt.Sprintf("geometry value %q has an odd number of coordinates (%d)", name, len(fields)))
	}
	if len(fields) < 4 {
		return "", newValidationError(StatusWrongGeometry,
			fmt.Sprintf("geometry value %q has fewer than two points", name))
	}
	return strings.Join(fields, " "), nil
}
