package database

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAlertRepo(t *testing.T) (*AlertRepository, *sqlx.DB, uuid.UUID) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	require.NoError(t, RunMigrations(url, "../../migrations"))

	db, err := sqlx.Connect("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`TRUNCATE dim_signatures, alert_cnfs CASCADE`)
	require.NoError(t, err)

	now := time.Now().UTC()

	dimUUID := uuid.New()
	_, err = db.Exec(
		`INSERT INTO dim_signatures (dim_signature_uuid, name, exec, version) VALUES ($1, 'DIM', 'exec', '1.0')`,
		dimUUID)
	require.NoError(t, err)

	sourceUUID := uuid.New()
	_, err = db.Exec(
		`INSERT INTO sources (source_uuid, name, dim_signature_uuid, generation_time, validity_start, validity_stop, ingestion_time)
		 VALUES ($1, 'source.json', $2, $3, $3, $3, $3)`,
		sourceUUID, dimUUID, now)
	require.NoError(t, err)

	cnfUUID := uuid.New()
	_, err = db.Exec(
		`INSERT INTO alert_cnfs (alert_cnf_uuid, name, severity) VALUES ($1, 'alert_cnf', 3)`,
		cnfUUID)
	require.NoError(t, err)

	alertUUID := uuid.New()
	_, err = db.Exec(
		`INSERT INTO source_alerts (source_alert_uuid, alert_cnf_uuid, source_uuid, message, generator, notification_time, ingestion_time)
		 VALUES ($1, $2, $3, 'message', 'generator', $4, $4)`,
		alertUUID, cnfUUID, sourceUUID, now)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAlertRepository(db, logger), db, alertUUID
}

func TestAlertRepositoryJustify(t *testing.T) {
	repo, db, alertUUID := setupAlertRepo(t)

	err := repo.Justify(context.Background(), AlertFamilySource, alertUUID, "known sensor dropout")
	require.NoError(t, err)

	var justification string
	require.NoError(t, db.Get(&justification,
		`SELECT justification FROM source_alerts WHERE source_alert_uuid = $1`, alertUUID))
	assert.Equal(t, "known sensor dropout", justification)
}

func TestAlertRepositorySolve(t *testing.T) {
	repo, db, alertUUID := setupAlertRepo(t)

	err := repo.Solve(context.Background(), AlertFamilySource, alertUUID, "")
	require.NoError(t, err)

	var alert SourceAlert
	require.NoError(t, db.Get(&alert,
		`SELECT * FROM source_alerts WHERE source_alert_uuid = $1`, alertUUID))
	require.NotNil(t, alert.Solved)
	assert.True(t, *alert.Solved)
	assert.NotNil(t, alert.SolvedTime)
}

func TestAlertRepositoryValidateAndNotify(t *testing.T) {
	repo, db, alertUUID := setupAlertRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Validate(ctx, AlertFamilySource, alertUUID))
	require.NoError(t, repo.MarkNotified(ctx, AlertFamilySource, alertUUID))

	var alert SourceAlert
	require.NoError(t, db.Get(&alert,
		`SELECT * FROM source_alerts WHERE source_alert_uuid = $1`, alertUUID))
	require.NotNil(t, alert.Validated)
	assert.True(t, *alert.Validated)
	require.NotNil(t, alert.Notified)
	assert.True(t, *alert.Notified)
}

func TestAlertRepositoryErrors(t *testing.T) {
	repo, _, _ := setupAlertRepo(t)
	ctx := context.Background()

	t.Run("unknown family", func(t *testing.T) {
		err := repo.Validate(ctx, "annotation", uuid.New())
		assert.Error(t, err)
	})

	t.Run("unknown alert", func(t *testing.T) {
		err := repo.Validate(ctx, AlertFamilySource, uuid.New())
		assert.Error(t, err)
	})
}
