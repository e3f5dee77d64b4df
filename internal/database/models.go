package database

import (
	"time"

	"github.com/google/uuid"
)

// Lineage states for events superseded by later ingestions
const (
	LineageActive     = "ACTIVE"
	LineageSuperseded = "SUPERSEDED"
	LineageErased     = "ERASED"
)

// Source lifecycle statuses recorded in source_statuses
const (
	SourceStatusIngested   = "INGESTED"
	SourceStatusSuperseded = "SUPERSEDED"
)

// DimSignature identifies the producing pipeline of a source
type DimSignature struct {
	DimSignatureUUID uuid.UUID `db:"dim_signature_uuid" json:"dim_signature_uuid"`
	Name             string    `db:"name" json:"name"`
	Exec             string    `db:"exec" json:"exec"`
	Version          string    `db:"version" json:"version"`
}

// Source is an ingested data product with a validity window
type Source struct {
	SourceUUID                   uuid.UUID  `db:"source_uuid" json:"source_uuid"`
	Name                         string     `db:"name" json:"name"`
	DimSignatureUUID             uuid.UUID  `db:"dim_signature_uuid" json:"dim_signature_uuid"`
	ReceptionTime                *time.Time `db:"reception_time" json:"reception_time,omitempty"`
	GenerationTime               time.Time  `db:"generation_time" json:"generation_time"`
	ValidityStart                time.Time  `db:"validity_start" json:"validity_start"`
	ValidityStop                 time.Time  `db:"validity_stop" json:"validity_stop"`
	IngestionTime                time.Time  `db:"ingestion_time" json:"ingestion_time"`
	IngestionDuration            *float64   `db:"ingestion_duration" json:"ingestion_duration,omitempty"`
	ProcessingDuration           *float64   `db:"processing_duration" json:"processing_duration,omitempty"`
	Priority                     *int       `db:"priority" json:"priority,omitempty"`
	IngestionCompleteness        *bool      `db:"ingestion_completeness" json:"ingestion_completeness,omitempty"`
	IngestionCompletenessMessage *string    `db:"ingestion_completeness_message" json:"ingestion_completeness_message,omitempty"`
}

// SourceStatus records a lifecycle transition of a source
type SourceStatus struct {
	SourceStatusUUID uuid.UUID `db:"source_status_uuid" json:"source_status_uuid"`
	SourceUUID       uuid.UUID `db:"source_uuid" json:"source_uuid"`
	Status           string    `db:"status" json:"status"`
	Message          *string   `db:"message" json:"message,omitempty"`
	TimeStamp        time.Time `db:"time_stamp" json:"time_stamp"`
}

// ExplicitRefGroup groups explicit references
type ExplicitRefGroup struct {
	ExplicitRefGroupUUID uuid.UUID `db:"explicit_ref_group_uuid" json:"explicit_ref_group_uuid"`
	Name                 string    `db:"name" json:"name"`
}

// ExplicitRef is a named subject entity events and annotations attach to
type ExplicitRef struct {
	ExplicitRefUUID      uuid.UUID  `db:"explicit_ref_uuid" json:"explicit_ref_uuid"`
	Name                 string     `db:"name" json:"name"`
	ExplicitRefGroupUUID *uuid.UUID `db:"explicit_ref_group_uuid" json:"explicit_ref_group_uuid,omitempty"`
	IngestionTime        time.Time  `db:"ingestion_time" json:"ingestion_time"`
}

// ExplicitRefLink is a named, directed link between explicit references
type ExplicitRefLink struct {
	ExplicitRefLinkUUID   uuid.UUID `db:"explicit_ref_link_uuid" json:"explicit_ref_link_uuid"`
	ExplicitRefUUID       uuid.UUID `db:"explicit_ref_uuid" json:"explicit_ref_uuid"`
	LinkedExplicitRefUUID uuid.UUID `db:"linked_explicit_ref_uuid" json:"linked_explicit_ref_uuid"`
	Name                  string    `db:"name" json:"name"`
}

// Gauge classifies an event kind, scoped to a DIM signature
type Gauge struct {
	GaugeUUID        uuid.UUID `db:"gauge_uuid" json:"gauge_uuid"`
	Name             string    `db:"name" json:"name"`
	System           string    `db:"system" json:"system"`
	DimSignatureUUID uuid.UUID `db:"dim_signature_uuid" json:"dim_signature_uuid"`
}

// Event is a time-bounded fact about an explicit reference
type Event struct {
	EventUUID       uuid.UUID  `db:"event_uuid" json:"event_uuid"`
	GaugeUUID       uuid.UUID  `db:"gauge_uuid" json:"gauge_uuid"`
	SourceUUID      uuid.UUID  `db:"source_uuid" json:"source_uuid"`
	ExplicitRefUUID *uuid.UUID `db:"explicit_ref_uuid" json:"explicit_ref_uuid,omitempty"`
	Start           time.Time  `db:"start" json:"start"`
	Stop            time.Time  `db:"stop" json:"stop"`
	IngestionTime   time.Time  `db:"ingestion_time" json:"ingestion_time"`
	LineageState    string     `db:"lineage_state" json:"lineage_state"`
}

// EventKey is a dedup/versioning token attached to an event
type EventKey struct {
	EventKeyUUID uuid.UUID `db:"event_key_uuid" json:"event_key_uuid"`
	EventUUID    uuid.UUID `db:"event_uuid" json:"event_uuid"`
	EventKey     string    `db:"event_key" json:"event_key"`
}

// EventLink is a named, directed link between events
type EventLink struct {
	EventLinkUUID   uuid.UUID `db:"event_link_uuid" json:"event_link_uuid"`
	EventUUID       uuid.UUID `db:"event_uuid" json:"event_uuid"`
	LinkedEventUUID uuid.UUID `db:"linked_event_uuid" json:"linked_event_uuid"`
	Name            string    `db:"name" json:"name"`
}

// Value types shared by event and annotation values
const (
	ValueTypeText      = "text"
	ValueTypeDouble    = "double"
	ValueTypeTimestamp = "timestamp"
	ValueTypeBoolean   = "boolean"
	ValueTypeGeometry  = "geometry"
	ValueTypeObject    = "object"
)

// EventValue is a named, typed datum nested under an event. Position
// preserves document order depth-first; ParentPosition points at the
// enclosing object value, nil for top-level values.
type EventValue struct {
	EventValueUUID uuid.UUID `db:"event_value_uuid" json:"event_value_uuid"`
	EventUUID      uuid.UUID `db:"event_uuid" json:"event_uuid"`
	Name           string    `db:"name" json:"name"`
	Type           string    `db:"type" json:"type"`
	Value          *string   `db:"value" json:"value,omitempty"`
	Position       int       `db:"position" json:"position"`
	ParentPosition *int      `db:"parent_position" json:"parent_position,omitempty"`
}

// AnnotationCnf is the (name, system) configuration annotations reference
type AnnotationCnf struct {
	AnnotationCnfUUID uuid.UUID `db:"annotation_cnf_uuid" json:"annotation_cnf_uuid"`
	Name              string    `db:"name" json:"name"`
	System            string    `db:"system" json:"system"`
	DimSignatureUUID  uuid.UUID `db:"dim_signature_uuid" json:"dim_signature_uuid"`
}

// Annotation is a non-temporal typed fact about an explicit reference
type Annotation struct {
	AnnotationUUID    uuid.UUID `db:"annotation_uuid" json:"annotation_uuid"`
	AnnotationCnfUUID uuid.UUID `db:"annotation_cnf_uuid" json:"annotation_cnf_uuid"`
	ExplicitRefUUID   uuid.UUID `db:"explicit_ref_uuid" json:"explicit_ref_uuid"`
	SourceUUID        uuid.UUID `db:"source_uuid" json:"source_uuid"`
	IngestionTime     time.Time `db:"ingestion_time" json:"ingestion_time"`
}

// AnnotationValue mirrors EventValue for annotations
type AnnotationValue struct {
	AnnotationValueUUID uuid.UUID `db:"annotation_value_uuid" json:"annotation_value_uuid"`
	AnnotationUUID      uuid.UUID `db:"annotation_uuid" json:"annotation_uuid"`
	Name                string    `db:"name" json:"name"`
	Type                string    `db:"type" json:"type"`
	Value               *string   `db:"value" json:"value,omitempty"`
	Position            int       `db:"position" json:"position"`
	ParentPosition      *int      `db:"parent_position" json:"parent_position,omitempty"`
}

// AlertCnf is the named, severity-tagged alert configuration
type AlertCnf struct {
	AlertCnfUUID uuid.UUID `db:"alert_cnf_uuid" json:"alert_cnf_uuid"`
	Name         string    `db:"name" json:"name"`
	Severity     int       `db:"severity" json:"severity"`
	Description  *string   `db:"description" json:"description,omitempty"`
	Group        *string   `db:"group" json:"group,omitempty"`
}

// AlertFields carries the columns shared by the three alert tables.
// Justification, solved, validated and notified are operator-set after
// ingestion; the engine never populates them.
type AlertFields struct {
	AlertCnfUUID     uuid.UUID  `db:"alert_cnf_uuid" json:"alert_cnf_uuid"`
	Message          string     `db:"message" json:"message"`
	Generator        string     `db:"generator" json:"generator"`
	NotificationTime time.Time  `db:"notification_time" json:"notification_time"`
	IngestionTime    time.Time  `db:"ingestion_time" json:"ingestion_time"`
	Justification    *string    `db:"justification" json:"justification,omitempty"`
	Solved           *bool      `db:"solved" json:"solved,omitempty"`
	SolvedTime       *time.Time `db:"solved_time" json:"solved_time,omitempty"`
	Validated        *bool      `db:"validated" json:"validated,omitempty"`
	Notified         *bool      `db:"notified" json:"notified,omitempty"`
}

// SourceAlert binds an alert configuration to a source
type SourceAlert struct {
	SourceAlertUUID uuid.UUID `db:"source_alert_uuid" json:"source_alert_uuid"`
	SourceUUID      uuid.UUID `db:"source_uuid" json:"source_uuid"`
	AlertFields
}

// EventAlert binds an alert configuration to an event
type EventAlert struct {
	EventAlertUUID uuid.UUID `db:"event_alert_uuid" json:"event_alert_uuid"`
	EventUUID      uuid.UUID `db:"event_uuid" json:"event_uuid"`
	AlertFields
}

// ExplicitRefAlert binds an alert configuration to an explicit reference
type ExplicitRefAlert struct {
	ExplicitRefAlertUUID uuid.UUID `db:"explicit_ref_alert_uuid" json:"explicit_ref_alert_uuid"`
	ExplicitRefUUID      uuid.UUID `db:"explicit_ref_uuid" json:"explicit_ref_uuid"`
	AlertFields
}
