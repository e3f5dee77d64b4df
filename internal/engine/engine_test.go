package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eboa-io/eboa/internal/database"
)

func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	require.NoError(t, database.RunMigrations(url, "../../migrations"))

	db, err := sqlx.Connect("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`TRUNCATE dim_signatures CASCADE`)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE explicit_ref_groups, explicit_refs, alert_cnfs CASCADE`)
	require.NoError(t, err)

	return db
}

func newTestEngine(t *testing.T, db *sqlx.DB) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(db, logger, t.TempDir())
}

func baseOperation(sourceName, generationTime string) Operation {
	return Operation{
		Mode: "insert",
		DimSignature: DimSignatureSpec{
			Name:    "DIM_SIGNATURE_TEST",
			Exec:    "exec",
			Version: "1.0",
		},
		Source: SourceSpec{
			Name:           sourceName,
			ReceptionTime:  "2018-07-05T02:07:03",
			GenerationTime: generationTime,
			ValidityStart:  "2018-06-05T02:07:03",
			ValidityStop:   "2018-06-05T08:07:36",
		},
	}
}

func TestTreatDataBasicIngestion(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	op := baseOperation("source.json", "2018-07-05T02:07:03")
	op.ExplicitReferences = []ExplicitRefSpec{
		{Name: "EXPLICIT_REFERENCE", Group: "EXPL_GROUP"},
	}
	op.Events = []EventSpec{
		{
			ExplicitReference: "EXPLICIT_REFERENCE",
			Gauge:             GaugeSpec{Name: "GAUGE_NAME", System: "GAUGE_SYSTEM", InsertionType: "SIMPLE_UPDATE"},
			Start:             "2018-06-05T02:07:03",
			Stop:              "2018-06-05T08:07:36",
			Values: []ValueSpec{
				{Name: "details", Type: "object", Values: []ValueSpec{
					{Name: "satellite", Type: "text", Value: "S2A"},
					{Name: "orbit", Type: "double", Value: "16077"},
				}},
			},
		},
	}
	op.Annotations = []AnnotationSpec{
		{
			ExplicitReference: "EXPLICIT_REFERENCE",
			AnnotationCnf:     AnnotationCnfSpec{Name: "ANNOTATION_CNF", System: "SYSTEM"},
			Values:            []ValueSpec{{Name: "cloud_cover", Type: "double", Value: "0.3"}},
		},
	}

	results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	result := results[0]
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "OK", result.Code)
	require.NotNil(t, result.SourceUUID)
	assert.Len(t, result.EventUUIDs, 1)
	assert.Len(t, result.AnnotationUUIDs, 1)

	var valueCount int
	require.NoError(t, db.Get(&valueCount,
		`SELECT COUNT(*) FROM event_values WHERE event_uuid = $1`, result.EventUUIDs[0]))
	assert.Equal(t, 3, valueCount)

	var lineage string
	require.NoError(t, db.Get(&lineage,
		`SELECT lineage_state FROM events WHERE event_uuid = $1`, result.EventUUIDs[0]))
	assert.Equal(t, database.LineageActive, lineage)

	var status string
	require.NoError(t, db.Get(&status,
		`SELECT status FROM source_statuses WHERE source_uuid = $1`, result.SourceUUID))
	assert.Equal(t, database.SourceStatusIngested, status)

	// The result reports the same per-operation duration stored on the
	// source row.
	assert.Greater(t, result.IngestionDuration, 0.0)
	var storedDuration float64
	require.NoError(t, db.Get(&storedDuration,
		`SELECT ingestion_duration FROM sources WHERE source_uuid = $1`, result.SourceUUID))
	assert.Equal(t, storedDuration, result.IngestionDuration)
}

func TestTreatDataRejectsReplayedSource(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	op := baseOperation("source.json", "2018-07-05T02:07:03")
	doc := &IngestionDocument{Operations: []Operation{op}}

	results, err := eng.TreatData(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)

	results, err = eng.TreatData(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusSourceAlreadyIngested, results[0].Status)
	assert.Equal(t, "SOURCE_ALREADY_INGESTED", results[0].Code)
}

func TestTreatDataConcurrentSameSource(t *testing.T) {
	db := setupTestDB(t)

	// Register the signature up front so the two writers race only on the
	// source conflict check.
	seed := baseOperation("seed.json", "2018-07-05T02:07:03")
	results, err := newTestEngine(t, db).TreatData(context.Background(),
		&IngestionDocument{Operations: []Operation{seed}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)

	statuses := make(chan Status, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		eng := newTestEngine(t, db)
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := baseOperation("source.json", "2018-07-05T02:07:03")
			results, err := eng.TreatData(context.Background(),
				&IngestionDocument{Operations: []Operation{op}})
			if err != nil || len(results) != 1 {
				t.Errorf("concurrent ingestion failed: %v", err)
				statuses <- StatusFileNotValid
				return
			}
			statuses <- results[0].Status
		}()
	}
	wg.Wait()
	close(statuses)

	var got []Status
	for status := range statuses {
		got = append(got, status)
	}
	assert.ElementsMatch(t, []Status{StatusOK, StatusSourceAlreadyIngested}, got)

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM sources WHERE name = 'source.json'`))
	assert.Equal(t, 1, count)
}

func TestTreatDataNewerGenerationSupersedes(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	op := baseOperation("source.json", "2018-07-05T02:07:03")
	op.Events = []EventSpec{{
		Gauge: GaugeSpec{Name: "GAUGE_NAME", System: "GAUGE_SYSTEM", InsertionType: "SIMPLE_UPDATE"},
		Start: "2018-06-05T02:07:03",
		Stop:  "2018-06-05T08:07:36",
	}}

	results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)
	firstSource := *results[0].SourceUUID
	firstEvent := results[0].EventUUIDs[0]

	newer := baseOperation("source.json", "2018-07-06T02:07:03")
	results, err = eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{newer}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)
	assert.Contains(t, results[0].Notes, "superseded_source:source.json")

	var lineage string
	require.NoError(t, db.Get(&lineage,
		`SELECT lineage_state FROM events WHERE event_uuid = $1`, firstEvent))
	assert.Equal(t, database.LineageSuperseded, lineage)

	var statuses []string
	require.NoError(t, db.Select(&statuses,
		`SELECT status FROM source_statuses WHERE source_uuid = $1 ORDER BY time_stamp`, firstSource))
	assert.Contains(t, statuses, database.SourceStatusSuperseded)
}

func TestTreatDataWrongPeriods(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	t.Run("source validity inverted", func(t *testing.T) {
		op := baseOperation("inverted.json", "2018-07-05T02:07:03")
		op.Source.ValidityStart = "2018-06-05T08:07:36"
		op.Source.ValidityStop = "2018-06-05T02:07:03"

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusWrongPeriod, results[0].Status)
	})

	t.Run("event period inverted", func(t *testing.T) {
		op := baseOperation("event-inverted.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge: GaugeSpec{Name: "GAUGE_NAME", System: "GAUGE_SYSTEM", InsertionType: "SIMPLE_UPDATE"},
			Start: "2018-06-05T08:07:36",
			Stop:  "2018-06-05T02:07:03",
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusWrongPeriod, results[0].Status)
	})

	t.Run("instant event outside simple update", func(t *testing.T) {
		op := baseOperation("instant.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge: GaugeSpec{Name: "GAUGE_NAME", System: "GAUGE_SYSTEM", InsertionType: "INSERT_and_ERASE"},
			Start: "2018-06-05T02:07:03",
			Stop:  "2018-06-05T02:07:03",
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusWrongPeriod, results[0].Status)
	})

	t.Run("instant event under simple update", func(t *testing.T) {
		op := baseOperation("instant-ok.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge: GaugeSpec{Name: "GAUGE_INSTANT", System: "GAUGE_SYSTEM", InsertionType: "SIMPLE_UPDATE"},
			Start: "2018-06-05T02:07:03",
			Stop:  "2018-06-05T02:07:03",
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, results[0].Status)
	})
}

func TestTreatDataEventLinks(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	t.Run("back_ref creates the reverse link", func(t *testing.T) {
		op := baseOperation("links.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{
			{
				LinkRef: "EVENT_A",
				Gauge:   GaugeSpec{Name: "GAUGE_A", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
				Start:   "2018-06-05T02:07:03",
				Stop:    "2018-06-05T04:07:03",
			},
			{
				LinkRef: "EVENT_B",
				Gauge:   GaugeSpec{Name: "GAUGE_B", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
				Start:   "2018-06-05T04:07:03",
				Stop:    "2018-06-05T08:07:36",
				Links: []EventLinkSpec{{
					Link:     "EVENT_A",
					LinkMode: "by_ref",
					Name:     "PREDECESSOR",
					BackRef:  "SUCCESSOR",
				}},
			},
		}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		require.Equal(t, StatusOK, results[0].Status)

		var names []string
		require.NoError(t, db.Select(&names, `SELECT name FROM event_links ORDER BY name`))
		assert.Equal(t, []string{"PREDECESSOR", "SUCCESSOR"}, names)
	})

	t.Run("undefined link_ref fails the operation", func(t *testing.T) {
		op := baseOperation("undefined-link.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge: GaugeSpec{Name: "GAUGE_C", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
			Start: "2018-06-05T02:07:03",
			Stop:  "2018-06-05T08:07:36",
			Links: []EventLinkSpec{{
				Link:     "MISSING",
				LinkMode: "by_ref",
				Name:     "PREDECESSOR",
			}},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusUndefinedEventLink, results[0].Status)
	})

	t.Run("duplicated link_ref alias fails the operation", func(t *testing.T) {
		op := baseOperation("dup-link-ref.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{
			{
				LinkRef: "SAME",
				Gauge:   GaugeSpec{Name: "GAUGE_D", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
				Start:   "2018-06-05T02:07:03",
				Stop:    "2018-06-05T04:07:03",
			},
			{
				LinkRef: "SAME",
				Gauge:   GaugeSpec{Name: "GAUGE_E", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
				Start:   "2018-06-05T04:07:03",
				Stop:    "2018-06-05T08:07:36",
			},
		}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicatedEventLinkRef, results[0].Status)
	})
}

func TestTreatDataValueValidation(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	t.Run("uncoercible double", func(t *testing.T) {
		op := baseOperation("bad-double.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge:  GaugeSpec{Name: "GAUGE_V", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
			Start:  "2018-06-05T02:07:03",
			Stop:   "2018-06-05T08:07:36",
			Values: []ValueSpec{{Name: "orbit", Type: "double", Value: "sixteen"}},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusWrongValue, results[0].Status)

		var eventCount int
		require.NoError(t, db.Get(&eventCount, `SELECT COUNT(*) FROM events`))
		assert.Equal(t, 0, eventCount, "failed operation must leave no rows behind")
	})

	t.Run("odd geometry", func(t *testing.T) {
		op := baseOperation("odd-geometry.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			Gauge:  GaugeSpec{Name: "GAUGE_G", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
			Start:  "2018-06-05T02:07:03",
			Stop:   "2018-06-05T08:07:36",
			Values: []ValueSpec{{Name: "footprint", Type: "geometry", Value: "27.0 28.0 29.0"}},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusOddNumberOfCoordinates, results[0].Status)
	})
}

func TestTreatDataEventKeysSupersession(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	op := baseOperation("keys-1.json", "2018-07-05T02:07:03")
	op.Events = []EventSpec{{
		Gauge: GaugeSpec{Name: "GAUGE_K", System: "SYS", InsertionType: "EVENT_KEYS"},
		Start: "2018-06-05T02:07:03",
		Stop:  "2018-06-05T04:07:03",
		Key:   "EVENT_KEY_1",
	}}

	results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)
	firstEvent := results[0].EventUUIDs[0]

	op2 := baseOperation("keys-2.json", "2018-07-06T02:07:03")
	op2.Source.ValidityStart = "2018-06-06T02:07:03"
	op2.Source.ValidityStop = "2018-06-06T08:07:36"
	op2.Events = []EventSpec{{
		Gauge: GaugeSpec{Name: "GAUGE_K", System: "SYS", InsertionType: "EVENT_KEYS"},
		Start: "2018-06-06T02:07:03",
		Stop:  "2018-06-06T04:07:03",
		Key:   "EVENT_KEY_1",
	}}

	results, err = eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op2}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)

	var lineage string
	require.NoError(t, db.Get(&lineage,
		`SELECT lineage_state FROM events WHERE event_uuid = $1`, firstEvent))
	assert.Equal(t, database.LineageSuperseded, lineage)

	var second string
	require.NoError(t, db.Get(&second,
		`SELECT lineage_state FROM events WHERE event_uuid = $1`, results[0].EventUUIDs[0]))
	assert.Equal(t, database.LineageActive, second)
}

func TestTreatDataAlerts(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	t.Run("alerts attach to their entities", func(t *testing.T) {
		op := baseOperation("alerts.json", "2018-07-05T02:07:03")
		op.Events = []EventSpec{{
			LinkRef: "ALERTED_EVENT",
			Gauge:   GaugeSpec{Name: "GAUGE_AL", System: "SYS", InsertionType: "SIMPLE_UPDATE"},
			Start:   "2018-06-05T02:07:03",
			Stop:    "2018-06-05T08:07:36",
			Alerts: []AlertSpec{{
				Message:          "event anomaly",
				Generator:        "test",
				NotificationTime: "2018-06-05T08:07:36",
				AlertCnf:         AlertCnfSpec{Name: "alert_event", Severity: "critical", Group: "alert_group"},
			}},
		}}
		op.Alerts = []AlertSpec{{
			Message:          "source anomaly",
			Generator:        "test",
			NotificationTime: "2018-06-05T08:07:37",
			AlertCnf:         AlertCnfSpec{Name: "alert_source", Severity: "major", Group: "alert_group"},
			Entity: &AlertEntitySpec{
				ReferenceMode: "by_ref",
				Reference:     "alerts.json",
				Type:          "source",
			},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		require.Equal(t, StatusOK, results[0].Status)
		assert.Len(t, results[0].AlertUUIDs, 2)

		var eventAlerts, sourceAlerts int
		require.NoError(t, db.Get(&eventAlerts, `SELECT COUNT(*) FROM event_alerts`))
		require.NoError(t, db.Get(&sourceAlerts, `SELECT COUNT(*) FROM source_alerts`))
		assert.Equal(t, 1, eventAlerts)
		assert.Equal(t, 1, sourceAlerts)

		var severity int
		require.NoError(t, db.Get(&severity,
			`SELECT severity FROM alert_cnfs WHERE name = 'alert_event'`))
		assert.Equal(t, 4, severity)
	})

	t.Run("unknown severity fails the operation", func(t *testing.T) {
		op := baseOperation("bad-severity.json", "2018-07-05T02:07:03")
		op.Alerts = []AlertSpec{{
			Message:          "oops",
			Generator:        "test",
			NotificationTime: "2018-06-05T08:07:36",
			AlertCnf:         AlertCnfSpec{Name: "alert_bad", Severity: "apocalyptic"},
			Entity: &AlertEntitySpec{
				ReferenceMode: "by_ref",
				Reference:     "bad-severity.json",
				Type:          "source",
			},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusWrongValue, results[0].Status)
	})
}

func TestTreatDataResourcesPath(t *testing.T) {
	db := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	eng := New(db, logger, "/nonexistent/resources/path")

	op := baseOperation("source.json", "2018-07-05T02:07:03")
	_, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
	require.Error(t, err)

	var pathErr *ResourcesPathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "/nonexistent/resources/path", pathErr.Path)
}

func TestTreatDataExplicitRefLinks(t *testing.T) {
	db := setupTestDB(t)
	eng := newTestEngine(t, db)

	op := baseOperation("er-links.json", "2018-07-05T02:07:03")
	op.ExplicitReferences = []ExplicitRefSpec{{
		Name:  "ER_A",
		Group: "GROUP_1",
		Links: []ERLinkSpec{{
			Link:    "ER_B",
			Name:    "PAIRED_WITH",
			BackRef: "PAIRED_WITH",
		}},
	}}

	results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, results[0].Status)

	var linkCount int
	require.NoError(t, db.Get(&linkCount, `SELECT COUNT(*) FROM explicit_ref_links`))
	assert.Equal(t, 2, linkCount)

	var groupName string
	require.NoError(t, db.Get(&groupName, `
		SELECT g.name FROM explicit_refs er
		JOIN explicit_ref_groups g ON g.explicit_ref_group_uuid = er.explicit_ref_group_uuid
		WHERE er.name = 'ER_A'`))
	assert.Equal(t, "GROUP_1", groupName)

	t.Run("replaying a persisted link does not duplicate it", func(t *testing.T) {
		op := baseOperation("er-links-replay.json", "2018-07-05T02:07:03")
		op.ExplicitReferences = []ExplicitRefSpec{{
			Name:  "ER_A",
			Links: []ERLinkSpec{{Link: "ER_B", Name: "PAIRED_WITH"}},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, results[0].Status)

		var linkCount int
		require.NoError(t, db.Get(&linkCount, `SELECT COUNT(*) FROM explicit_ref_links`))
		assert.Equal(t, 2, linkCount)
	})

	t.Run("persisted link name with a different target is rejected", func(t *testing.T) {
		op := baseOperation("er-links-conflict.json", "2018-07-05T02:07:03")
		op.ExplicitReferences = []ExplicitRefSpec{{
			Name:  "ER_A",
			Links: []ERLinkSpec{{Link: "ER_C", Name: "PAIRED_WITH"}},
		}}

		results, err := eng.TreatData(context.Background(), &IngestionDocument{Operations: []Operation{op}})
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicatedEventLinkRef, results[0].Status)
	})
}
