package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Alert families addressable by the operator mutation operations
const (
	AlertFamilySource      = "source"
	AlertFamilyEvent       = "event"
	AlertFamilyExplicitRef = "explicit_ref"
)

var alertTables = map[string]struct {
	table string
	pk    string
}{
	AlertFamilySource:      {table: "source_alerts", pk: "source_alert_uuid"},
	AlertFamilyEvent:       {table: "event_alerts", pk: "event_alert_uuid"},
	AlertFamilyExplicitRef: {table: "explicit_ref_alerts", pk: "explicit_ref_alert_uuid"},
}

// AlertRepository applies operator mutations to ingested alerts. Ingestion
// never touches these fields; they record post-hoc triage.
type AlertRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewAlertRepository creates an alert repository
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

func (r *AlertRepository) update(ctx context.Context, family string, alertUUID uuid.UUID, set string, args ...interface{}) error {
	target, ok := alertTables[family]
	if !ok {
		return fmt.Errorf("unknown alert family %q", family)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1", target.table, set, target.pk)
	result, err := r.db.ExecContext(ctx, query, append([]interface{}{alertUUID}, args...)...)
	if err != nil {
		r.logger.Error("failed to update alert", "family", family, "alert_uuid", alertUUID, "error", err)
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: %s", alertUUID)
	}
	return nil
}

// Justify records the operator's justification for an alert
func (r *AlertRepository) Justify(ctx context.Context, family string, alertUUID uuid.UUID, justification string) error {
	if err := r.update(ctx, family, alertUUID, "justification = $2", justification); err != nil {
		return err
	}
	r.logger.Info("alert justified", "family", family, "alert_uuid", alertUUID)
	return nil
}

// Solve marks an alert solved, recording the solve time and an optional
// justification.
func (r *AlertRepository) Solve(ctx context.Context, family string, alertUUID uuid.UUID, justification string) error {
	var err error
	if justification != "" {
		err = r.update(ctx, family, alertUUID,
			"solved = TRUE, solved_time = NOW(), justification = $2", justification)
	} else {
		err = r.update(ctx, family, alertUUID, "solved = TRUE, solved_time = NOW()")
	}
	if err != nil {
		return err
	}
	r.logger.Info("alert solved", "family", family, "alert_uuid", alertUUID)
	return nil
}

// Validate marks an alert validated by the operator
func (r *AlertRepository) Validate(ctx context.Context, family string, alertUUID uuid.UUID) error {
	if err := r.update(ctx, family, alertUUID, "validated = TRUE"); err != nil {
		return err
	}
	r.logger.Info("alert validated", "family", family, "alert_uuid", alertUUID)
	return nil
}

// MarkNotified records that the alert was delivered to its notification
// channel.
func (r *AlertRepository) MarkNotified(ctx context.Context, family string, alertUUID uuid.UUID) error {
	return r.update(ctx, family, alertUUID, "notified = TRUE")
}
