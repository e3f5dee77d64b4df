package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/eboa-io/eboa/internal/database"
)

// Engine ingests operation batches into the data model. Each operation is
// treated inside its own transaction; validation failures roll back that
// operation only and are reported through the result's status code.
type Engine struct {
	db            *sqlx.DB
	logger        *slog.Logger
	resourcesPath string
}

// New creates an ingestion engine
func New(db *sqlx.DB, logger *slog.Logger, resourcesPath string) *Engine {
	return &Engine{
		db:            db,
		logger:        logger,
		resourcesPath: resourcesPath,
	}
}

// OperationResult is the outcome of one treated operation
type OperationResult struct {
	Status          Status      `json:"status"`
	Code            string      `json:"code"`
	Message         string      `json:"message"`
	SourceUUID      *uuid.UUID  `json:"source_uuid,omitempty"`
	EventUUIDs      []uuid.UUID `json:"event_uuids,omitempty"`
	AnnotationUUIDs []uuid.UUID `json:"annotation_uuids,omitempty"`
	AlertUUIDs      []uuid.UUID `json:"alert_uuids,omitempty"`
	Notes           []string    `json:"notes,omitempty"`

	// IngestionDuration is the wall-clock seconds this operation took,
	// matching the ingestion_duration column on the source row.
	IngestionDuration float64 `json:"ingestion_duration,omitempty"`
}

// ResourcesPathError is the batch-fatal infrastructure failure raised when
// the configured resources path cannot be accessed.
type ResourcesPathError struct {
	Path string
	Err  error
}

func (e *ResourcesPathError) Error() string {
	return fmt.Sprintf("resources path %q not available: %v", e.Path, e.Err)
}

func (e *ResourcesPathError) Unwrap() error {
	return e.Err
}

// TreatData ingests a batch of operations. The returned slice is aligned
// 1:1 with the input operations. A non-nil error means the batch was
// aborted for infrastructure reasons; validation failures are reported in
// the per-operation results instead.
func (e *Engine) TreatData(ctx context.Context, doc *IngestionDocument) ([]OperationResult, error) {
	if err := e.checkResourcesPath(); err != nil {
		return nil, err
	}

	results := make([]OperationResult, 0, len(doc.Operations))
	for i, op := range doc.Operations {
		result, err := e.treatOperation(ctx, op)
		if err != nil {
			return results, fmt.Errorf("operation %d aborted the batch: %w", i, err)
		}
		if result.Status != StatusOK {
			e.logger.Warn("operation failed validation",
				"operation", i,
				"status", result.Code,
				"message", result.Message)
		}
		results = append(results, result)
	}

	return results, nil
}

func (e *Engine) checkResourcesPath() error {
	if _, err := os.Stat(e.resourcesPath); err != nil {
		return &ResourcesPathError{Path: e.resourcesPath, Err: err}
	}
	return nil
}

// operationContext accumulates per-operation insert state
type operationContext struct {
	tx  *sqlx.Tx
	now time.Time

	dimSignatureUUID uuid.UUID
	sourceUUID       uuid.UUID
	sourceName       string
	validityStart    time.Time
	validityStop     time.Time

	eventAliases map[string]uuid.UUID
	eventLinks   map[string]uuid.UUID
	erLinks      map[string]uuid.UUID
	pendingLinks []pendingEventLink

	eventUUIDs      []uuid.UUID
	annotationUUIDs []uuid.UUID
	alertUUIDs      []uuid.UUID
	notes           []string
}

type pendingEventLink struct {
	fromEvent uuid.UUID
	spec      EventLinkSpec
}

func (e *Engine) treatOperation(ctx context.Context, op Operation) (OperationResult, error) {
	started := time.Now()

	if op.Mode != "insert" {
		return failureResult(newValidationError(StatusFileNotValid,
			fmt.Sprintf("unsupported operation mode %q", op.Mode))), nil
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return OperationResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	oc := &operationContext{
		tx:           tx,
		now:          time.Now().UTC(),
		eventAliases: make(map[string]uuid.UUID),
		eventLinks:   make(map[string]uuid.UUID),
		erLinks:      make(map[string]uuid.UUID),
	}

	if err := e.processOperation(ctx, oc, op); err != nil {
		tx.Rollback()
		var verr *validationError
		if errors.As(err, &verr) {
			result := failureResult(verr)
			result.IngestionDuration = time.Since(started).Seconds()
			return result, nil
		}
		return OperationResult{}, err
	}

	ingestionDuration := time.Since(started).Seconds()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sources SET ingestion_duration = $1 WHERE source_uuid = $2`,
		ingestionDuration, oc.sourceUUID); err != nil {
		tx.Rollback()
		return OperationResult{}, fmt.Errorf("failed to record ingestion duration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return OperationResult{}, fmt.Errorf("failed to commit operation: %w", err)
	}

	e.logger.Info("operation ingested",
		"source", oc.sourceName,
		"events", len(oc.eventUUIDs),
		"annotations", len(oc.annotationUUIDs),
		"alerts", len(oc.alertUUIDs),
		"duration_seconds", ingestionDuration)

	sourceUUID := oc.sourceUUID
	return OperationResult{
		Status:            StatusOK,
		Code:              StatusOK.String(),
		Message:           fmt.Sprintf("source %s ingested", oc.sourceName),
		SourceUUID:        &sourceUUID,
		EventUUIDs:        oc.eventUUIDs,
		AnnotationUUIDs:   oc.annotationUUIDs,
		AlertUUIDs:        oc.alertUUIDs,
		Notes:             oc.notes,
		IngestionDuration: ingestionDuration,
	}, nil
}

func failureResult(verr *validationError) OperationResult {
	return OperationResult{
		Status:  verr.status,
		Code:    verr.status.String(),
		Message: verr.message,
	}
}

func (e *Engine) processOperation(ctx context.Context, oc *operationContext, op Operation) error {
	if err := e.insertDimSignature(ctx, oc, op.DimSignature); err != nil {
		return err
	}
	if err := e.insertSource(ctx, oc, op.Source); err != nil {
		return err
	}
	for _, spec := range op.ExplicitReferences {
		if err := e.insertExplicitRefSpec(ctx, oc, spec); err != nil {
			return err
		}
	}
	for _, spec := range op.Events {
		if err := e.insertEvent(ctx, oc, spec); err != nil {
			return err
		}
	}
	if err := e.resolvePendingEventLinks(ctx, oc); err != nil {
		return err
	}
	for _, spec := range op.Annotations {
		if err := e.insertAnnotation(ctx, oc, spec); err != nil {
			return err
		}
	}
	for _, spec := range op.Alerts {
		if err := e.insertOperationAlert(ctx, oc, spec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertDimSignature(ctx context.Context, oc *operationContext, spec DimSignatureSpec) error {
	if spec.Name == "" || spec.Version == "" {
		return newValidationError(StatusFileNotValid, "dim_signature requires name and version")
	}

	var existing database.DimSignature
	err := oc.tx.GetContext(ctx, &existing,
		`SELECT dim_signature_uuid, name, exec, version FROM dim_signatures WHERE name = $1 AND version = $2`,
		spec.Name, spec.Version)
	switch {
	case err == nil:
		if existing.Exec != spec.Exec {
			oc.notes = append(oc.notes, fmt.Sprintf(
				"dim_exec_mismatch: signature %s/%s registered with exec %q, operation declares %q",
				spec.Name, spec.Version, existing.Exec, spec.Exec))
		}
		oc.dimSignatureUUID = existing.DimSignatureUUID
		return nil
	case errors.Is(err, sql.ErrNoRows):
		oc.dimSignatureUUID = uuid.New()
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO dim_signatures (dim_signature_uuid, name, exec, version) VALUES ($1, $2, $3, $4)`,
			oc.dimSignatureUUID, spec.Name, spec.Exec, spec.Version)
		if err != nil {
			return fmt.Errorf("failed to insert dim signature: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("failed to query dim signature: %w", err)
	}
}

func (e *Engine) insertSource(ctx context.Context, oc *operationContext, spec SourceSpec) error {
	if spec.Name == "" {
		return newValidationError(StatusFileNotValid, "source requires a name")
	}

	generationTime, err := ParseTimestamp(spec.GenerationTime)
	if err != nil {
		return newValidationError(StatusWrongValue,
			fmt.Sprintf("source %q has invalid generation_time %q", spec.Name, spec.GenerationTime))
	}
	validityStart, err := ParseTimestamp(spec.ValidityStart)
	if err != nil {
		return newValidationError(StatusWrongValue,
			fmt.Sprintf("source %q has invalid validity_start %q", spec.Name, spec.ValidityStart))
	}
	validityStop, err := ParseTimestamp(spec.ValidityStop)
	if err != nil {
		return newValidationError(StatusWrongValue,
			fmt.Sprintf("source %q has invalid validity_stop %q", spec.Name, spec.ValidityStop))
	}
	if validityStart.After(validityStop) {
		return newValidationError(StatusWrongPeriod,
			fmt.Sprintf("source %q has validity_start %s after validity_stop %s",
				spec.Name, spec.ValidityStart, spec.ValidityStop))
	}

	var receptionTime *time.Time
	if spec.ReceptionTime != "" {
		t, err := ParseTimestamp(spec.ReceptionTime)
		if err != nil {
			return newValidationError(StatusWrongValue,
				fmt.Sprintf("source %q has invalid reception_time %q", spec.Name, spec.ReceptionTime))
		}
		receptionTime = &t
	}

	// Serialize concurrent ingestions of the same source name under this
	// signature. The conflict check below is check-then-insert; without the
	// transaction-scoped lock two writers could both pass it and commit.
	if _, err := oc.tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`,
		oc.dimSignatureUUID.String(), spec.Name); err != nil {
		return fmt.Errorf("failed to lock source name: %w", err)
	}

	// A source with the same name and an overlapping validity window under
	// this signature conflicts unless the new ingestion carries a strictly
	// newer generation time, in which case the prior source is superseded.
	var prior database.Source
	err = oc.tx.GetContext(ctx, &prior,
		`SELECT source_uuid, name, dim_signature_uuid, generation_time, validity_start, validity_stop, ingestion_time
		 FROM sources
		 WHERE name = $1 AND dim_signature_uuid = $2 AND validity_start <= $3 AND validity_stop >= $4
		 ORDER BY generation_time DESC
		 LIMIT 1
		 FOR UPDATE`,
		spec.Name, oc.dimSignatureUUID, validityStop, validityStart)
	switch {
	case err == nil:
		if !generationTime.After(prior.GenerationTime) {
			return newValidationError(StatusSourceAlreadyIngested,
				fmt.Sprintf("source %q with validity [%s, %s] already ingested for signature",
					spec.Name, spec.ValidityStart, spec.ValidityStop))
		}
		if err := e.supersedeSource(ctx, oc, prior, generationTime); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("failed to query prior source: %w", err)
	}

	oc.sourceUUID = uuid.New()
	oc.sourceName = spec.Name
	oc.validityStart = validityStart
	oc.validityStop = validityStop

	processingDuration := generationTime.Sub(validityStop).Seconds()

	var completeness *bool
	var completenessMessage *string
	if spec.IngestionCompleteness != nil {
		completeness = &spec.IngestionCompleteness.Check
		completenessMessage = &spec.IngestionCompleteness.Message
	}

	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO sources (
			source_uuid, name, dim_signature_uuid, reception_time, generation_time,
			validity_start, validity_stop, ingestion_time, processing_duration,
			priority, ingestion_completeness, ingestion_completeness_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		oc.sourceUUID, spec.Name, oc.dimSignatureUUID, receptionTime, generationTime,
		validityStart, validityStop, oc.now, processingDuration,
		spec.Priority, completeness, completenessMessage)
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}

	return e.insertSourceStatus(ctx, oc, oc.sourceUUID, database.SourceStatusIngested, nil)
}

func (e *Engine) supersedeSource(ctx context.Context, oc *operationContext, prior database.Source, newGenerationTime time.Time) error {
	_, err := oc.tx.ExecContext(ctx,
		`UPDATE events SET lineage_state = $1 WHERE source_uuid = $2 AND lineage_state = $3`,
		database.LineageSuperseded, prior.SourceUUID, database.LineageActive)
	if err != nil {
		return fmt.Errorf("failed to supersede prior source events: %w", err)
	}

	oc.notes = append(oc.notes, fmt.Sprintf("superseded_source:%s", prior.Name))

	message := fmt.Sprintf("superseded by re-ingestion with generation_time %s",
		newGenerationTime.Format(TimestampLayout))
	return e.insertSourceStatus(ctx, oc, prior.SourceUUID, database.SourceStatusSuperseded, &message)
}

func (e *Engine) insertSourceStatus(ctx context.Context, oc *operationContext, sourceUUID uuid.UUID, status string, message *string) error {
	_, err := oc.tx.ExecContext(ctx,
		`INSERT INTO source_statuses (source_status_uuid, source_uuid, status, message, time_stamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), sourceUUID, status, message, oc.now)
	if err != nil {
		return fmt.Errorf("failed to insert source status: %w", err)
	}
	return nil
}

func (e *Engine) resolveExplicitRef(ctx context.Context, oc *operationContext, name string) (uuid.UUID, error) {
	var erUUID uuid.UUID
	err := oc.tx.GetContext(ctx, &erUUID,
		`SELECT explicit_ref_uuid FROM explicit_refs WHERE name = $1`, name)
	switch {
	case err == nil:
		return erUUID, nil
	case errors.Is(err, sql.ErrNoRows):
		erUUID = uuid.New()
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO explicit_refs (explicit_ref_uuid, name, ingestion_time) VALUES ($1, $2, $3)`,
			erUUID, name, oc.now)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert explicit reference: %w", err)
		}
		return erUUID, nil
	default:
		return uuid.Nil, fmt.Errorf("failed to query explicit reference: %w", err)
	}
}

func (e *Engine) insertExplicitRefSpec(ctx context.Context, oc *operationContext, spec ExplicitRefSpec) error {
	if spec.Name == "" {
		return newValidationError(StatusFileNotValid, "explicit reference requires a name")
	}

	erUUID, err := e.resolveExplicitRef(ctx, oc, spec.Name)
	if err != nil {
		return err
	}

	if spec.Group != "" {
		groupUUID, err := e.resolveExplicitRefGroup(ctx, oc, spec.Group)
		if err != nil {
			return err
		}
		_, err = oc.tx.ExecContext(ctx,
			`UPDATE explicit_refs SET explicit_ref_group_uuid = $1 WHERE explicit_ref_uuid = $2`,
			groupUUID, erUUID)
		if err != nil {
			return fmt.Errorf("failed to attach explicit reference to group: %w", err)
		}
	}

	for _, link := range spec.Links {
		if link.Link == "" {
			return newValidationError(StatusUndefinedEventLink,
				fmt.Sprintf("link %q of explicit reference %q has no target", link.Name, spec.Name))
		}
		key := fmt.Sprintf("%s|%s", erUUID, link.Name)
		targetUUID, err := e.resolveExplicitRef(ctx, oc, link.Link)
		if err != nil {
			return err
		}
		if existing, ok := oc.erLinks[key]; ok {
			if existing != targetUUID {
				return newValidationError(StatusDuplicatedEventLinkRef,
					fmt.Sprintf("link %q of explicit reference %q redefined with a different target",
						link.Name, spec.Name))
			}
			continue
		}

		// A link name already persisted by an earlier operation counts the
		// same as an in-operation duplicate.
		var persisted uuid.UUID
		err = oc.tx.GetContext(ctx, &persisted,
			`SELECT linked_explicit_ref_uuid FROM explicit_ref_links
			 WHERE explicit_ref_uuid = $1 AND name = $2
			 LIMIT 1`,
			erUUID, link.Name)
		switch {
		case err == nil:
			if persisted != targetUUID {
				return newValidationError(StatusDuplicatedEventLinkRef,
					fmt.Sprintf("link %q of explicit reference %q already points at a different target",
						link.Name, spec.Name))
			}
			oc.erLinks[key] = targetUUID
			continue
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("failed to query explicit reference link: %w", err)
		}

		oc.erLinks[key] = targetUUID

		if err := e.insertERLink(ctx, oc, erUUID, targetUUID, link.Name); err != nil {
			return err
		}
		if link.BackRef != "" {
			if err := e.insertERLink(ctx, oc, targetUUID, erUUID, link.BackRef); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) resolveExplicitRefGroup(ctx context.Context, oc *operationContext, name string) (uuid.UUID, error) {
	var groupUUID uuid.UUID
	err := oc.tx.GetContext(ctx, &groupUUID,
		`SELECT explicit_ref_group_uuid FROM explicit_ref_groups WHERE name = $1`, name)
	switch {
	case err == nil:
		return groupUUID, nil
	case errors.Is(err, sql.ErrNoRows):
		groupUUID = uuid.New()
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO explicit_ref_groups (explicit_ref_group_uuid, name) VALUES ($1, $2)`,
			groupUUID, name)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert explicit reference group: %w", err)
		}
		return groupUUID, nil
	default:
		return uuid.Nil, fmt.Errorf("failed to query explicit reference group: %w", err)
	}
}

func (e *Engine) insertERLink(ctx context.Context, oc *operationContext, from, to uuid.UUID, name string) error {
	_, err := oc.tx.ExecContext(ctx,
		`INSERT INTO explicit_ref_links (explicit_ref_link_uuid, explicit_ref_uuid, linked_explicit_ref_uuid, name)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(), from, to, name)
	if err != nil {
		return fmt.Errorf("failed to insert explicit reference link: %w", err)
	}
	return nil
}

func (e *Engine) resolveGauge(ctx context.Context, oc *operationContext, spec GaugeSpec) (uuid.UUID, error) {
	var gaugeUUID uuid.UUID
	err := oc.tx.GetContext(ctx, &gaugeUUID,
		`SELECT gauge_uuid FROM gauges WHERE name = $1 AND system = $2 AND dim_signature_uuid = $3`,
		spec.Name, spec.System, oc.dimSignatureUUID)
	switch {
	case err == nil:
		return gaugeUUID, nil
	case errors.Is(err, sql.ErrNoRows):
		gaugeUUID = uuid.New()
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO gauges (gauge_uuid, name, system, dim_signature_uuid) VALUES ($1, $2, $3, $4)`,
			gaugeUUID, spec.Name, spec.System, oc.dimSignatureUUID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert gauge: %w", err)
		}
		return gaugeUUID, nil
	default:
		return uuid.Nil, fmt.Errorf("failed to query gauge: %w", err)
	}
}

func (e *Engine) insertEvent(ctx context.Context, oc *operationContext, spec EventSpec) error {
	if spec.Gauge.Name == "" {
		return newValidationError(StatusFileNotValid, "event requires a gauge name")
	}

	insertionType, err := ParseInsertionType(spec.Gauge.InsertionType)
	if err != nil {
		return err
	}

	start, err := ParseTimestamp(spec.Start)
	if err != nil {
		return newValidationError(StatusWrongValue,
			fmt.Sprintf("event has invalid start %q", spec.Start))
	}
	stop, err := ParseTimestamp(spec.Stop)
	if err != nil {
		return newValidationError(StatusWrongValue,
			fmt.Sprintf("event has invalid stop %q", spec.Stop))
	}
	if start.After(stop) {
		return newValidationError(StatusWrongPeriod,
			fmt.Sprintf("event has start %s after stop %s", spec.Start, spec.Stop))
	}
	if start.Equal(stop) && !insertionType.AllowsInstantEvents() {
		return newValidationError(StatusWrongPeriod,
			fmt.Sprintf("event with start == stop (%s) not allowed for insertion type %s",
				spec.Start, insertionType))
	}

	gaugeUUID, err := e.resolveGauge(ctx, oc, spec.Gauge)
	if err != nil {
		return err
	}

	var erUUID *uuid.UUID
	if spec.ExplicitReference != "" {
		resolved, err := e.resolveExplicitRef(ctx, oc, spec.ExplicitReference)
		if err != nil {
			return err
		}
		erUUID = &resolved
	}

	values, err := flattenValues(spec.Values)
	if err != nil {
		return err
	}

	if err := e.applySupersession(ctx, oc, insertionType, gaugeUUID, spec.Key, start, stop); err != nil {
		return err
	}

	eventUUID := uuid.New()
	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO events (event_uuid, gauge_uuid, source_uuid, explicit_ref_uuid, start, stop, ingestion_time, lineage_state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		eventUUID, gaugeUUID, oc.sourceUUID, erUUID, start, stop, oc.now, database.LineageActive)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	oc.eventUUIDs = append(oc.eventUUIDs, eventUUID)

	if spec.Key != "" {
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO event_keys (event_key_uuid, event_uuid, event_key) VALUES ($1, $2, $3)`,
			uuid.New(), eventUUID, spec.Key)
		if err != nil {
			return fmt.Errorf("failed to insert event key: %w", err)
		}
	}

	for _, value := range values {
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO event_values (event_value_uuid, event_uuid, name, type, value, position, parent_position)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), eventUUID, value.Name, value.Type, value.Value, value.Position, value.ParentPosition)
		if err != nil {
			return fmt.Errorf("failed to insert event value: %w", err)
		}
	}

	if spec.LinkRef != "" {
		if _, ok := oc.eventAliases[spec.LinkRef]; ok {
			return newValidationError(StatusDuplicatedEventLinkRef,
				fmt.Sprintf("event link_ref %q declared twice in the operation", spec.LinkRef))
		}
		oc.eventAliases[spec.LinkRef] = eventUUID
	}

	for _, link := range spec.Links {
		oc.pendingLinks = append(oc.pendingLinks, pendingEventLink{fromEvent: eventUUID, spec: link})
	}

	for _, alert := range spec.Alerts {
		if err := e.insertEventAlert(ctx, oc, eventUUID, alert); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) applySupersession(ctx context.Context, oc *operationContext, insertionType InsertionType, gaugeUUID uuid.UUID, key string, start, stop time.Time) error {
	rule := ruleFor(insertionType, key != "")

	var err error
	switch rule.Criterion {
	case matchNone:
		return nil
	case matchByKey:
		_, err = oc.tx.ExecContext(ctx,
			`UPDATE events SET lineage_state = $1
			 WHERE lineage_state = $2 AND gauge_uuid = $3
			   AND event_uuid IN (SELECT event_uuid FROM event_keys WHERE event_key = $4)`,
			rule.TargetState, database.LineageActive, gaugeUUID, key)
	case matchByOverlap:
		_, err = oc.tx.ExecContext(ctx,
			`UPDATE events SET lineage_state = $1
			 WHERE lineage_state = $2 AND gauge_uuid = $3 AND start <= $4 AND stop >= $5`,
			rule.TargetState, database.LineageActive, gaugeUUID, stop, start)
	case matchByValidity:
		_, err = oc.tx.ExecContext(ctx,
			`UPDATE events SET lineage_state = $1
			 WHERE lineage_state = $2 AND gauge_uuid = $3 AND start >= $4 AND stop <= $5`,
			rule.TargetState, database.LineageActive, gaugeUUID, oc.validityStart, oc.validityStop)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s supersession: %w", insertionType, err)
	}
	return nil
}

func (e *Engine) resolvePendingEventLinks(ctx context.Context, oc *operationContext) error {
	for _, pending := range oc.pendingLinks {
		link := pending.spec
		var target uuid.UUID

		switch link.LinkMode {
		case "by_ref":
			resolved, ok := oc.eventAliases[link.Link]
			if !ok {
				return newValidationError(StatusUndefinedEventLink,
					fmt.Sprintf("event link %q references undefined link_ref %q", link.Name, link.Link))
			}
			target = resolved
		case "by_uuid":
			parsed, err := uuid.Parse(link.Link)
			if err != nil {
				return newValidationError(StatusUndefinedEventLink,
					fmt.Sprintf("event link %q references invalid uuid %q", link.Name, link.Link))
			}
			var exists bool
			if err := oc.tx.GetContext(ctx, &exists,
				`SELECT EXISTS (SELECT 1 FROM events WHERE event_uuid = $1)`, parsed); err != nil {
				return fmt.Errorf("failed to query linked event: %w", err)
			}
			if !exists {
				return newValidationError(StatusUndefinedEventLink,
					fmt.Sprintf("event link %q references unknown event %s", link.Name, link.Link))
			}
			target = parsed
		default:
			return newValidationError(StatusFileNotValid,
				fmt.Sprintf("event link %q has unknown link_mode %q", link.Name, link.LinkMode))
		}

		key := fmt.Sprintf("%s|%s", pending.fromEvent, link.Name)
		if existing, ok := oc.eventLinks[key]; ok {
			if existing != target {
				return newValidationError(StatusDuplicatedEventLinkRef,
					fmt.Sprintf("event link %q redefined with a different target", link.Name))
			}
			continue
		}
		oc.eventLinks[key] = target

		if err := e.insertEventLink(ctx, oc, pending.fromEvent, target, link.Name); err != nil {
			return err
		}
		if link.BackRef != "" {
			if err := e.insertEventLink(ctx, oc, target, pending.fromEvent, link.BackRef); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) insertEventLink(ctx context.Context, oc *operationContext, from, to uuid.UUID, name string) error {
	_, err := oc.tx.ExecContext(ctx,
		`INSERT INTO event_links (event_link_uuid, event_uuid, linked_event_uuid, name) VALUES ($1, $2, $3, $4)`,
		uuid.New(), from, to, name)
	if err != nil {
		return fmt.Errorf("failed to insert event link: %w", err)
	}
	return nil
}

func (e *Engine) insertAnnotation(ctx context.Context, oc *operationContext, spec AnnotationSpec) error {
	if spec.ExplicitReference == "" {
		return newValidationError(StatusFileNotValid, "annotation requires an explicit_reference")
	}
	if spec.AnnotationCnf.Name == "" {
		return newValidationError(StatusFileNotValid, "annotation requires an annotation_cnf name")
	}

	cnfUUID, err := e.resolveAnnotationCnf(ctx, oc, spec.AnnotationCnf)
	if err != nil {
		return err
	}
	erUUID, err := e.resolveExplicitRef(ctx, oc, spec.ExplicitReference)
	if err != nil {
		return err
	}

	values, err := flattenValues(spec.Values)
	if err != nil {
		return err
	}

	annotationUUID := uuid.New()
	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO annotations (annotation_uuid, annotation_cnf_uuid, explicit_ref_uuid, source_uuid, ingestion_time)
		 VALUES ($1, $2, $3, $4, $5)`,
		annotationUUID, cnfUUID, erUUID, oc.sourceUUID, oc.now)
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	oc.annotationUUIDs = append(oc.annotationUUIDs, annotationUUID)

	for _, value := range values {
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO annotation_values (annotation_value_uuid, annotation_uuid, name, type, value, position, parent_position)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), annotationUUID, value.Name, value.Type, value.Value, value.Position, value.ParentPosition)
		if err != nil {
			return fmt.Errorf("failed to insert annotation value: %w", err)
		}
	}

	// Annotations carry no alert table of their own; their alerts attach
	// to the subject explicit reference.
	for _, alert := range spec.Alerts {
		if err := e.insertExplicitRefAlert(ctx, oc, erUUID, alert); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) resolveAnnotationCnf(ctx context.Context, oc *operationContext, spec AnnotationCnfSpec) (uuid.UUID, error) {
	var cnfUUID uuid.UUID
	err := oc.tx.GetContext(ctx, &cnfUUID,
		`SELECT annotation_cnf_uuid FROM annotation_cnfs WHERE name = $1 AND system = $2 AND dim_signature_uuid = $3`,
		spec.Name, spec.System, oc.dimSignatureUUID)
	switch {
	case err == nil:
		return cnfUUID, nil
	case errors.Is(err, sql.ErrNoRows):
		cnfUUID = uuid.New()
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO annotation_cnfs (annotation_cnf_uuid, name, system, dim_signature_uuid) VALUES ($1, $2, $3, $4)`,
			cnfUUID, spec.Name, spec.System, oc.dimSignatureUUID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert annotation configuration: %w", err)
		}
		return cnfUUID, nil
	default:
		return uuid.Nil, fmt.Errorf("failed to query annotation configuration: %w", err)
	}
}

func (e *Engine) resolveAlertCnf(ctx context.Context, oc *operationContext, spec AlertCnfSpec) (uuid.UUID, error) {
	if spec.Name == "" {
		return uuid.Nil, newValidationError(StatusFileNotValid, "alert requires an alert_cnf name")
	}
	severity, ok := severityLevels[spec.Severity]
	if !ok {
		return uuid.Nil, newValidationError(StatusWrongValue,
			fmt.Sprintf("alert configuration %q has unknown severity %q", spec.Name, spec.Severity))
	}

	var cnfUUID uuid.UUID
	err := oc.tx.GetContext(ctx, &cnfUUID,
		`SELECT alert_cnf_uuid FROM alert_cnfs WHERE name = $1`, spec.Name)
	switch {
	case err == nil:
		return cnfUUID, nil
	case errors.Is(err, sql.ErrNoRows):
		cnfUUID = uuid.New()
		var description, group *string
		if spec.Description != "" {
			description = &spec.Description
		}
		if spec.Group != "" {
			group = &spec.Group
		}
		_, err = oc.tx.ExecContext(ctx,
			`INSERT INTO alert_cnfs (alert_cnf_uuid, name, severity, description, "group") VALUES ($1, $2, $3, $4, $5)`,
			cnfUUID, spec.Name, severity, description, group)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert alert configuration: %w", err)
		}
		return cnfUUID, nil
	default:
		return uuid.Nil, fmt.Errorf("failed to query alert configuration: %w", err)
	}
}

func (e *Engine) alertCommonFields(ctx context.Context, oc *operationContext, spec AlertSpec) (uuid.UUID, time.Time, error) {
	if spec.NotificationTime == "" {
		return uuid.Nil, time.Time{}, newValidationError(StatusWrongValue,
			"alert requires a notification_time")
	}
	notificationTime, err := ParseTimestamp(spec.NotificationTime)
	if err != nil {
		return uuid.Nil, time.Time{}, newValidationError(StatusWrongValue,
			fmt.Sprintf("alert has invalid notification_time %q", spec.NotificationTime))
	}
	cnfUUID, err := e.resolveAlertCnf(ctx, oc, spec.AlertCnf)
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	return cnfUUID, notificationTime, nil
}

func (e *Engine) insertEventAlert(ctx context.Context, oc *operationContext, eventUUID uuid.UUID, spec AlertSpec) error {
	cnfUUID, notificationTime, err := e.alertCommonFields(ctx, oc, spec)
	if err != nil {
		return err
	}
	alertUUID := uuid.New()
	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO event_alerts (event_alert_uuid, alert_cnf_uuid, event_uuid, message, generator, notification_time, ingestion_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alertUUID, cnfUUID, eventUUID, spec.Message, spec.Generator, notificationTime, oc.now)
	if err != nil {
		return fmt.Errorf("failed to insert event alert: %w", err)
	}
	oc.alertUUIDs = append(oc.alertUUIDs, alertUUID)
	return nil
}

func (e *Engine) insertSourceAlert(ctx context.Context, oc *operationContext, sourceUUID uuid.UUID, spec AlertSpec) error {
	cnfUUID, notificationTime, err := e.alertCommonFields(ctx, oc, spec)
	if err != nil {
		return err
	}
	alertUUID := uuid.New()
	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO source_alerts (source_alert_uuid, alert_cnf_uuid, source_uuid, message, generator, notification_time, ingestion_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alertUUID, cnfUUID, sourceUUID, spec.Message, spec.Generator, notificationTime, oc.now)
	if err != nil {
		return fmt.Errorf("failed to insert source alert: %w", err)
	}
	oc.alertUUIDs = append(oc.alertUUIDs, alertUUID)
	return nil
}

func (e *Engine) insertExplicitRefAlert(ctx context.Context, oc *operationContext, erUUID uuid.UUID, spec AlertSpec) error {
	cnfUUID, notificationTime, err := e.alertCommonFields(ctx, oc, spec)
	if err != nil {
		return err
	}
	alertUUID := uuid.New()
	_, err = oc.tx.ExecContext(ctx,
		`INSERT INTO explicit_ref_alerts (explicit_ref_alert_uuid, alert_cnf_uuid, explicit_ref_uuid, message, generator, notification_time, ingestion_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alertUUID, cnfUUID, erUUID, spec.Message, spec.Generator, notificationTime, oc.now)
	if err != nil {
		return fmt.Errorf("failed to insert explicit reference alert: %w", err)
	}
	oc.alertUUIDs = append(oc.alertUUIDs, alertUUID)
	return nil
}

// insertOperationAlert handles operation-level alerts, which name their
// subject entity through an explicit descriptor.
func (e *Engine) insertOperationAlert(ctx context.Context, oc *operationContext, spec AlertSpec) error {
	if spec.Entity == nil {
		return newValidationError(StatusFileNotValid,
			"operation-level alert requires an entity descriptor")
	}
	if spec.Entity.ReferenceMode != "by_ref" {
		return newValidationError(StatusFileNotValid,
			fmt.Sprintf("alert entity has unknown reference_mode %q", spec.Entity.ReferenceMode))
	}

	switch spec.Entity.Type {
	case "source":
		var sourceUUID uuid.UUID
		if spec.Entity.Reference == oc.sourceName {
			sourceUUID = oc.sourceUUID
		} else {
			err := oc.tx.GetContext(ctx, &sourceUUID,
				`SELECT source_uuid FROM sources WHERE name = $1 ORDER BY ingestion_time DESC LIMIT 1`,
				spec.Entity.Reference)
			if errors.Is(err, sql.ErrNoRows) {
				return newValidationError(StatusUndefinedEventLink,
					fmt.Sprintf("alert references unknown source %q", spec.Entity.Reference))
			} else if err != nil {
				return fmt.Errorf("failed to query alert source: %w", err)
			}
		}
		return e.insertSourceAlert(ctx, oc, sourceUUID, spec)
	case "event":
		eventUUID, ok := oc.eventAliases[spec.Entity.Reference]
		if !ok {
			return newValidationError(StatusUndefinedEventLink,
				fmt.Sprintf("alert references undefined event link_ref %q", spec.Entity.Reference))
		}
		return e.insertEventAlert(ctx, oc, eventUUID, spec)
	case "explicit_ref":
		erUUID, err := e.resolveExplicitRef(ctx, oc, spec.Entity.Reference)
		if err != nil {
			return err
		}
		return e.insertExplicitRefAlert(ctx, oc, erUUID, spec)
	default:
		return newValidationError(StatusFileNotValid,
			fmt.Sprintf("alert entity has unknown type %q", spec.Entity.Type))
	}
}
