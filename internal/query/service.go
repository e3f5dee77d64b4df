package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/eboa-io/eboa/internal/database"
)

// Service answers declarative filter queries over the ingested data model.
// The cache client is optional; when nil, distinct-value lookups go to the
// database every time.
type Service struct {
	db       *sqlx.DB
	logger   *slog.Logger
	cache    *redis.Client
	cacheTTL time.Duration
}

// New creates a query service
func New(db *sqlx.DB, logger *slog.Logger, cache *redis.Client, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		db:       db,
		logger:   logger,
		cache:    cache,
		cacheTTL: cacheTTL,
	}
}

var eventOrderFields = map[string]string{
	"start":          "events.start",
	"stop":           "events.stop",
	"ingestion_time": "events.ingestion_time",
	"source":         "sources.name",
	"gauge_name":     "gauges.name",
}

// Events retrieves events matching the filters
func (s *Service) Events(ctx context.Context, filters EventFilters) ([]database.Event, error) {
	b := &clauseBuilder{}

	if err := b.addList("events.event_uuid::text", filters.EventUUIDs); err != nil {
		return nil, err
	}
	if err := b.addText("sources.name", filters.SourceLike); err != nil {
		return nil, err
	}
	if err := b.addList("sources.name", filters.Sources); err != nil {
		return nil, err
	}
	if err := b.addText("explicit_refs.name", filters.ExplicitRefLike); err != nil {
		return nil, err
	}
	if err := b.addList("explicit_refs.name", filters.ExplicitRefs); err != nil {
		return nil, err
	}
	if err := b.addText("gauges.name", filters.GaugeNameLike); err != nil {
		return nil, err
	}
	if err := b.addList("gauges.name", filters.GaugeNames); err != nil {
		return nil, err
	}
	if err := b.addText("gauges.system", filters.GaugeSystemLike); err != nil {
		return nil, err
	}
	if err := b.addList("gauges.system", filters.GaugeSystems); err != nil {
		return nil, err
	}
	if err := b.addText("event_keys.event_key", filters.KeyLike); err != nil {
		return nil, err
	}
	if err := b.addList("event_keys.event_key", filters.Keys); err != nil {
		return nil, err
	}
	if err := b.addList("events.lineage_state", filters.LineageStates); err != nil {
		return nil, err
	}
	if err := b.addDates("events.start", filters.StartFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("events.stop", filters.StopFilters); err != nil {
		return nil, err
	}
	if err := b.addFloats("EXTRACT(EPOCH FROM (events.stop - events.start))", filters.DurationFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("events.ingestion_time", filters.IngestionTimeFilters); err != nil {
		return nil, err
	}
	if err := b.addValueFilters("event_values", "event_uuid", filters.ValueFilters); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, eventOrderFields, "events.ingestion_time", "events.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT events.* FROM events
		JOIN gauges ON gauges.gauge_uuid = events.gauge_uuid
		JOIN sources ON sources.source_uuid = events.source_uuid
		LEFT JOIN explicit_refs ON explicit_refs.explicit_ref_uuid = events.explicit_ref_uuid
		LEFT JOIN event_keys ON event_keys.event_uuid = events.event_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var events []database.Event
	if err := s.db.SelectContext(ctx, &events, query, b.args...); err != nil {
		s.logger.Error("failed to query events", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

var sourceOrderFields = map[string]string{
	"name":            "sources.name",
	"validity_start":  "sources.validity_start",
	"validity_stop":   "sources.validity_stop",
	"generation_time": "sources.generation_time",
	"ingestion_time":  "sources.ingestion_time",
}

// Sources retrieves sources matching the filters
func (s *Service) Sources(ctx context.Context, filters SourceFilters) ([]database.Source, error) {
	b := &clauseBuilder{}

	if err := b.addList("sources.source_uuid::text", filters.SourceUUIDs); err != nil {
		return nil, err
	}
	if err := b.addText("sources.name", filters.NameLike); err != nil {
		return nil, err
	}
	if err := b.addList("sources.name", filters.Names); err != nil {
		return nil, err
	}
	if err := b.addText("dim_signatures.name", filters.DimSignatureLike); err != nil {
		return nil, err
	}
	if err := b.addList("dim_signatures.name", filters.DimSignatures); err != nil {
		return nil, err
	}
	if filters.Statuses != nil {
		switch filters.Statuses.Op {
		case "in":
			if len(filters.Statuses.Filter) == 0 {
				b.conditions = append(b.conditions, "FALSE")
				break
			}
			b.conditions = append(b.conditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM source_statuses ss WHERE ss.source_uuid = sources.source_uuid AND ss.status = ANY($%d))",
				b.next()))
			b.args = append(b.args, pq.Array(filters.Statuses.Filter))
		case "notin":
			if len(filters.Statuses.Filter) == 0 {
				break
			}
			b.conditions = append(b.conditions, fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM source_statuses ss WHERE ss.source_uuid = sources.source_uuid AND ss.status = ANY($%d))",
				b.next()))
			b.args = append(b.args, pq.Array(filters.Statuses.Filter))
		default:
			return nil, fmt.Errorf("unsupported list operator %q for source statuses", filters.Statuses.Op)
		}
	}
	if err := b.addDates("sources.validity_start", filters.ValidityStartFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("sources.validity_stop", filters.ValidityStopFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("sources.reception_time", filters.ReceptionTimeFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("sources.generation_time", filters.GenerationTimeFilters); err != nil {
		return nil, err
	}
	if err := b.addDates("sources.ingestion_time", filters.IngestionTimeFilters); err != nil {
		return nil, err
	}
	if err := b.addFloats("sources.ingestion_duration", filters.IngestionDurationFilters); err != nil {
		return nil, err
	}
	if err := b.addFloats("sources.processing_duration", filters.ProcessingDurationFilters); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, sourceOrderFields, "sources.ingestion_time", "sources.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT sources.* FROM sources
		JOIN dim_signatures ON dim_signatures.dim_signature_uuid = sources.dim_signature_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var sources []database.Source
	if err := s.db.SelectContext(ctx, &sources, query, b.args...); err != nil {
		s.logger.Error("failed to query sources", "error", err)
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	return sources, nil
}

var annotationOrderFields = map[string]string{
	"ingestion_time": "annotations.ingestion_time",
	"name":           "annotation_cnfs.name",
	"explicit_ref":   "explicit_refs.name",
	"source":         "sources.name",
}

// Annotations retrieves annotations matching the filters
func (s *Service) Annotations(ctx context.Context, filters AnnotationFilters) ([]database.Annotation, error) {
	b := &clauseBuilder{}

	if err := b.addList("annotations.annotation_uuid::text", filters.AnnotationUUIDs); err != nil {
		return nil, err
	}
	if err := b.addText("annotation_cnfs.name", filters.NameLike); err != nil {
		return nil, err
	}
	if err := b.addList("annotation_cnfs.name", filters.Names); err != nil {
		return nil, err
	}
	if err := b.addText("annotation_cnfs.system", filters.SystemLike); err != nil {
		return nil, err
	}
	if err := b.addList("annotation_cnfs.system", filters.Systems); err != nil {
		return nil, err
	}
	if err := b.addText("sources.name", filters.SourceLike); err != nil {
		return nil, err
	}
	if err := b.addList("sources.name", filters.Sources); err != nil {
		return nil, err
	}
	if err := b.addText("explicit_refs.name", filters.ExplicitRefLike); err != nil {
		return nil, err
	}
	if err := b.addList("explicit_refs.name", filters.ExplicitRefs); err != nil {
		return nil, err
	}
	if err := b.addDates("annotations.ingestion_time", filters.IngestionTimeFilters); err != nil {
		return nil, err
	}
	if err := b.addValueFilters("annotation_values", "annotation_uuid", filters.ValueFilters); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, annotationOrderFields, "annotations.ingestion_time", "annotations.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT annotations.* FROM annotations
		JOIN annotation_cnfs ON annotation_cnfs.annotation_cnf_uuid = annotations.annotation_cnf_uuid
		JOIN explicit_refs ON explicit_refs.explicit_ref_uuid = annotations.explicit_ref_uuid
		JOIN sources ON sources.source_uuid = annotations.source_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var annotations []database.Annotation
	if err := s.db.SelectContext(ctx, &annotations, query, b.args...); err != nil {
		s.logger.Error("failed to query annotations", "error", err)
		return nil, fmt.Errorf("failed to query annotations: %w", err)
	}
	return annotations, nil
}

var explicitRefOrderFields = map[string]string{
	"name":           "explicit_refs.name",
	"group":          "explicit_ref_groups.name",
	"ingestion_time": "explicit_refs.ingestion_time",
}

// ExplicitRefs retrieves explicit references matching the filters
func (s *Service) ExplicitRefs(ctx context.Context, filters ExplicitRefFilters) ([]database.ExplicitRef, error) {
	b := &clauseBuilder{}

	if err := b.addList("explicit_refs.explicit_ref_uuid::text", filters.ExplicitRefUUIDs); err != nil {
		return nil, err
	}
	if err := b.addText("explicit_refs.name", filters.NameLike); err != nil {
		return nil, err
	}
	if err := b.addList("explicit_refs.name", filters.Names); err != nil {
		return nil, err
	}
	if err := b.addText("explicit_ref_groups.name", filters.GroupLike); err != nil {
		return nil, err
	}
	if err := b.addList("explicit_ref_groups.name", filters.Groups); err != nil {
		return nil, err
	}
	if err := b.addDates("explicit_refs.ingestion_time", filters.IngestionTimeFilters); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, explicitRefOrderFields, "explicit_refs.ingestion_time", "explicit_refs.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT explicit_refs.* FROM explicit_refs
		LEFT JOIN explicit_ref_groups ON explicit_ref_groups.explicit_ref_group_uuid = explicit_refs.explicit_ref_group_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var refs []database.ExplicitRef
	if err := s.db.SelectContext(ctx, &refs, query, b.args...); err != nil {
		s.logger.Error("failed to query explicit references", "error", err)
		return nil, fmt.Errorf("failed to query explicit references: %w", err)
	}
	return refs, nil
}

var alertOrderFields = map[string]string{
	"notification_time": "a.notification_time",
	"ingestion_time":    "a.ingestion_time",
	"name":              "alert_cnfs.name",
	"severity":          "alert_cnfs.severity",
}

// addAlertFilters adds the clauses shared by the three alert entry points.
// entityColumn is the name column of the alert's subject entity.
func (s *Service) addAlertFilters(b *clauseBuilder, filters AlertFilters, entityColumn string) error {
	if err := b.addText("alert_cnfs.name", filters.NameLike); err != nil {
		return err
	}
	if err := b.addList("alert_cnfs.name", filters.Names); err != nil {
		return err
	}
	if err := b.addText(`alert_cnfs."group"`, filters.GroupLike); err != nil {
		return err
	}
	if err := b.addList(`alert_cnfs."group"`, filters.Groups); err != nil {
		return err
	}
	if err := b.addText("a.generator", filters.GeneratorLike); err != nil {
		return err
	}
	if err := b.addList("a.generator", filters.Generators); err != nil {
		return err
	}
	if err := b.addText("a.message", filters.MessageLike); err != nil {
		return err
	}
	if err := b.addSeverities("alert_cnfs.severity", filters.Severities); err != nil {
		return err
	}
	if err := b.addText(entityColumn, filters.EntityLike); err != nil {
		return err
	}
	if err := b.addList(entityColumn, filters.Entities); err != nil {
		return err
	}
	if err := b.addDates("a.notification_time", filters.NotificationTimeFilters); err != nil {
		return err
	}
	if err := b.addDates("a.ingestion_time", filters.IngestionTimeFilters); err != nil {
		return err
	}
	if err := b.addDates("a.solved_time", filters.SolvedTimeFilters); err != nil {
		return err
	}
	b.addBool("a.solved", filters.Solved)
	b.addBool("a.validated", filters.Validated)
	return nil
}

// SourceAlerts retrieves source alerts matching the filters
func (s *Service) SourceAlerts(ctx context.Context, filters AlertFilters) ([]database.SourceAlert, error) {
	b := &clauseBuilder{}
	if err := s.addAlertFilters(b, filters, "sources.name"); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, alertOrderFields, "a.notification_time", "a.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT a.* FROM source_alerts a
		JOIN alert_cnfs ON alert_cnfs.alert_cnf_uuid = a.alert_cnf_uuid
		JOIN sources ON sources.source_uuid = a.source_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var alerts []database.SourceAlert
	if err := s.db.SelectContext(ctx, &alerts, query, b.args...); err != nil {
		s.logger.Error("failed to query source alerts", "error", err)
		return nil, fmt.Errorf("failed to query source alerts: %w", err)
	}
	return alerts, nil
}

// EventAlerts retrieves event alerts matching the filters. The entity name
// clauses match the alerted event's gauge name.
func (s *Service) EventAlerts(ctx context.Context, filters AlertFilters) ([]database.EventAlert, error) {
	b := &clauseBuilder{}
	if err := s.addAlertFilters(b, filters, "gauges.name"); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, alertOrderFields, "a.notification_time", "a.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT a.* FROM event_alerts a
		JOIN alert_cnfs ON alert_cnfs.alert_cnf_uuid = a.alert_cnf_uuid
		JOIN events ON events.event_uuid = a.event_uuid
		JOIN gauges ON gauges.gauge_uuid = events.gauge_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var alerts []database.EventAlert
	if err := s.db.SelectContext(ctx, &alerts, query, b.args...); err != nil {
		s.logger.Error("failed to query event alerts", "error", err)
		return nil, fmt.Errorf("failed to query event alerts: %w", err)
	}
	return alerts, nil
}

// ExplicitRefAlerts retrieves explicit reference alerts matching the filters
func (s *Service) ExplicitRefAlerts(ctx context.Context, filters AlertFilters) ([]database.ExplicitRefAlert, error) {
	b := &clauseBuilder{}
	if err := s.addAlertFilters(b, filters, "explicit_refs.name"); err != nil {
		return nil, err
	}

	order, err := orderClause(filters.OrderBy, alertOrderFields, "a.notification_time", "a.ingestion_time")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT a.* FROM explicit_ref_alerts a
		JOIN alert_cnfs ON alert_cnfs.alert_cnf_uuid = a.alert_cnf_uuid
		JOIN explicit_refs ON explicit_refs.explicit_ref_uuid = a.explicit_ref_uuid
		%s %s %s`,
		b.where(), order, b.limitClause(filters.Limit, filters.Offset))

	var alerts []database.ExplicitRefAlert
	if err := s.db.SelectContext(ctx, &alerts, query, b.args...); err != nil {
		s.logger.Error("failed to query explicit reference alerts", "error", err)
		return nil, fmt.Errorf("failed to query explicit reference alerts: %w", err)
	}
	return alerts, nil
}

// distinctQueries maps the dimensions exposed for navigation pickers to
// their lookup queries.
var distinctQueries = map[string]string{
	"sources":        "SELECT DISTINCT name FROM sources ORDER BY name",
	"dim_signatures": "SELECT DISTINCT name FROM dim_signatures ORDER BY name",
	"gauge_names":    "SELECT DISTINCT name FROM gauges ORDER BY name",
	"gauge_systems":  "SELECT DISTINCT system FROM gauges ORDER BY system",
	"explicit_refs":  "SELECT DISTINCT name FROM explicit_refs ORDER BY name",
	"er_groups":      "SELECT DISTINCT name FROM explicit_ref_groups ORDER BY name",
	"annotation_names": "SELECT DISTINCT name FROM annotation_cnfs ORDER BY name",
	"alert_names":      "SELECT DISTINCT name FROM alert_cnfs ORDER BY name",
	"alert_groups":     `SELECT DISTINCT "group" FROM alert_cnfs WHERE "group" IS NOT NULL ORDER BY "group"`,
}

// DistinctValues returns the distinct values of a navigation dimension,
// serving from the cache when one is configured.
func (s *Service) DistinctValues(ctx context.Context, dimension string) ([]string, error) {
	queryText, ok := distinctQueries[dimension]
	if !ok {
		return nil, fmt.Errorf("unknown dimension %q", dimension)
	}

	cacheKey := "eboa:distinct:" + dimension
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			var values []string
			if err := json.Unmarshal([]byte(cached), &values); err == nil {
				return values, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("distinct values cache read failed", "dimension", dimension, "error", err)
		}
	}

	var values []string
	if err := s.db.SelectContext(ctx, &values, queryText); err != nil {
		s.logger.Error("failed to query distinct values", "dimension", dimension, "error", err)
		return nil, fmt.Errorf("failed to query distinct values: %w", err)
	}

	if s.cache != nil {
		encoded, err := json.Marshal(values)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, encoded, s.cacheTTL).Err(); err != nil {
				s.logger.Warn("distinct values cache write failed", "dimension", dimension, "error", err)
			}
		}
	}

	return values, nil
}
