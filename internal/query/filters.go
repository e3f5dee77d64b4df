package query

// TextFilter matches a text column against a single pattern
type TextFilter struct {
	Filter string `json:"filter"`
	Op     string `json:"op"`
}

// ListFilter matches a text column against a set of literals
type ListFilter struct {
	Filter []string `json:"filter"`
	Op     string   `json:"op"`
}

// DateFilter compares a timestamp column against a literal
type DateFilter struct {
	Date string `json:"date"`
	Op   string `json:"op"`
}

// FloatFilter compares a numeric column against a literal
type FloatFilter struct {
	Float float64 `json:"float"`
	Op    string  `json:"op"`
}

// ValueFilter matches entities by their nested typed values. Name selects
// the value rows by name, Type restricts the value type, and Value, when
// present, compares the stored literal cast to that type.
type ValueFilter struct {
	Name  TextFilter  `json:"name"`
	Type  string      `json:"type"`
	Value *TextFilter `json:"value,omitempty"`
}

// OrderBy selects the result ordering; fields are validated against a
// per-entity allowlist.
type OrderBy struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// EventFilters selects events. All present clauses are ANDed; repeated
// date and float filters over the same field AND together, which is how
// closed period and range queries are expressed.
type EventFilters struct {
	EventUUIDs           *ListFilter   `json:"event_uuids,omitempty"`
	SourceLike           *TextFilter   `json:"source_like,omitempty"`
	Sources              *ListFilter   `json:"sources,omitempty"`
	ExplicitRefLike      *TextFilter   `json:"explicit_ref_like,omitempty"`
	ExplicitRefs         *ListFilter   `json:"explicit_refs,omitempty"`
	GaugeNameLike        *TextFilter   `json:"gauge_name_like,omitempty"`
	GaugeNames           *ListFilter   `json:"gauge_names,omitempty"`
	GaugeSystemLike      *TextFilter   `json:"gauge_system_like,omitempty"`
	GaugeSystems         *ListFilter   `json:"gauge_systems,omitempty"`
	KeyLike              *TextFilter   `json:"key_like,omitempty"`
	Keys                 *ListFilter   `json:"keys,omitempty"`
	LineageStates        *ListFilter   `json:"lineage_states,omitempty"`
	StartFilters         []DateFilter  `json:"start_filters,omitempty"`
	StopFilters          []DateFilter  `json:"stop_filters,omitempty"`
	DurationFilters      []FloatFilter `json:"duration_filters,omitempty"`
	IngestionTimeFilters []DateFilter  `json:"ingestion_time_filters,omitempty"`
	ValueFilters         []ValueFilter `json:"value_filters,omitempty"`
	Limit                *int          `json:"limit,omitempty"`
	Offset               *int          `json:"offset,omitempty"`
	OrderBy              *OrderBy      `json:"order_by,omitempty"`
}

// SourceFilters selects sources
type SourceFilters struct {
	SourceUUIDs               *ListFilter   `json:"source_uuids,omitempty"`
	NameLike                  *TextFilter   `json:"name_like,omitempty"`
	Names                     *ListFilter   `json:"names,omitempty"`
	DimSignatureLike          *TextFilter   `json:"dim_signature_like,omitempty"`
	DimSignatures             *ListFilter   `json:"dim_signatures,omitempty"`
	Statuses                  *ListFilter   `json:"statuses,omitempty"`
	ValidityStartFilters      []DateFilter  `json:"validity_start_filters,omitempty"`
	ValidityStopFilters       []DateFilter  `json:"validity_stop_filters,omitempty"`
	ReceptionTimeFilters      []DateFilter  `json:"reception_time_filters,omitempty"`
	GenerationTimeFilters     []DateFilter  `json:"generation_time_filters,omitempty"`
	IngestionTimeFilters      []DateFilter  `json:"ingestion_time_filters,omitempty"`
	IngestionDurationFilters  []FloatFilter `json:"ingestion_duration_filters,omitempty"`
	ProcessingDurationFilters []FloatFilter `json:"processing_duration_filters,omitempty"`
	Limit                     *int          `json:"limit,omitempty"`
	Offset                    *int          `json:"offset,omitempty"`
	OrderBy                   *OrderBy      `json:"order_by,omitempty"`
}

// AnnotationFilters selects annotations
type AnnotationFilters struct {
	AnnotationUUIDs      *ListFilter   `json:"annotation_uuids,omitempty"`
	NameLike             *TextFilter   `json:"name_like,omitempty"`
	Names                *ListFilter   `json:"names,omitempty"`
	SystemLike           *TextFilter   `json:"system_like,omitempty"`
	Systems              *ListFilter   `json:"systems,omitempty"`
	SourceLike           *TextFilter   `json:"source_like,omitempty"`
	Sources              *ListFilter   `json:"sources,omitempty"`
	ExplicitRefLike      *TextFilter   `json:"explicit_ref_like,omitempty"`
	ExplicitRefs         *ListFilter   `json:"explicit_refs,omitempty"`
	IngestionTimeFilters []DateFilter  `json:"ingestion_time_filters,omitempty"`
	ValueFilters         []ValueFilter `json:"value_filters,omitempty"`
	Limit                *int          `json:"limit,omitempty"`
	Offset               *int          `json:"offset,omitempty"`
	OrderBy              *OrderBy      `json:"order_by,omitempty"`
}

// ExplicitRefFilters selects explicit references
type ExplicitRefFilters struct {
	ExplicitRefUUIDs     *ListFilter  `json:"explicit_ref_uuids,omitempty"`
	NameLike             *TextFilter  `json:"name_like,omitempty"`
	Names                *ListFilter  `json:"names,omitempty"`
	GroupLike            *TextFilter  `json:"group_like,omitempty"`
	Groups               *ListFilter  `json:"groups,omitempty"`
	IngestionTimeFilters []DateFilter `json:"ingestion_time_filters,omitempty"`
	Limit                *int         `json:"limit,omitempty"`
	Offset               *int         `json:"offset,omitempty"`
	OrderBy              *OrderBy     `json:"order_by,omitempty"`
}

// AlertFilters selects alerts of any of the three alert tables. EntityLike
// and Entities match the name of the subject entity (source name, event
// gauge name or explicit reference name depending on the entry point).
type AlertFilters struct {
	NameLike                *TextFilter  `json:"name_like,omitempty"`
	Names                   *ListFilter  `json:"names,omitempty"`
	GroupLike               *TextFilter  `json:"group_like,omitempty"`
	Groups                  *ListFilter  `json:"groups,omitempty"`
	GeneratorLike           *TextFilter  `json:"generator_like,omitempty"`
	Generators              *ListFilter  `json:"generators,omitempty"`
	MessageLike             *TextFilter  `json:"message_like,omitempty"`
	Severities              *ListFilter  `json:"severities,omitempty"`
	EntityLike              *TextFilter  `json:"entity_like,omitempty"`
	Entities                *ListFilter  `json:"entities,omitempty"`
	NotificationTimeFilters []DateFilter `json:"notification_time_filters,omitempty"`
	IngestionTimeFilters    []DateFilter `json:"ingestion_time_filters,omitempty"`
	SolvedTimeFilters       []DateFilter `json:"solved_time_filters,omitempty"`
	Solved                  *bool        `json:"solved,omitempty"`
	Validated               *bool        `json:"validated,omitempty"`
	Limit                   *int         `json:"limit,omitempty"`
	Offset                  *int         `json:"offset,omitempty"`
	OrderBy                 *OrderBy     `json:"order_by,omitempty"`
}
