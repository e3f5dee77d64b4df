package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddText(t *testing.T) {
	t.Run("like", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addText("sources.name", &TextFilter{Filter: "S2A_%", Op: "like"})
		require.NoError(t, err)
		assert.Equal(t, []string{"sources.name LIKE $1"}, b.conditions)
		assert.Equal(t, []interface{}{"S2A_%"}, b.args)
	})

	t.Run("notlike", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addText("sources.name", &TextFilter{Filter: "S2A_%", Op: "notlike"})
		require.NoError(t, err)
		assert.Equal(t, []string{"sources.name NOT LIKE $1"}, b.conditions)
	})

	t.Run("equality operators", func(t *testing.T) {
		b := &clauseBuilder{}
		require.NoError(t, b.addText("gauges.name", &TextFilter{Filter: "GAUGE", Op: "=="}))
		require.NoError(t, b.addText("gauges.system", &TextFilter{Filter: "SYS", Op: "!="}))
		assert.Equal(t, []string{"gauges.name = $1", "gauges.system <> $2"}, b.conditions)
	})

	t.Run("nil filter is a no-op", func(t *testing.T) {
		b := &clauseBuilder{}
		require.NoError(t, b.addText("sources.name", nil))
		assert.Empty(t, b.conditions)
	})

	t.Run("unknown operator", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addText("sources.name", &TextFilter{Filter: "x", Op: "regex"})
		assert.Error(t, err)
	})
}

func TestAddList(t *testing.T) {
	t.Run("in", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addList("sources.name", &ListFilter{Filter: []string{"A", "B"}, Op: "in"})
		require.NoError(t, err)
		assert.Equal(t, []string{"sources.name = ANY($1)"}, b.conditions)
		require.Len(t, b.args, 1)
	})

	t.Run("notin", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addList("sources.name", &ListFilter{Filter: []string{"A"}, Op: "notin"})
		require.NoError(t, err)
		assert.Equal(t, []string{"sources.name <> ALL($1)"}, b.conditions)
	})

	t.Run("empty in matches nothing", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addList("sources.name", &ListFilter{Filter: nil, Op: "in"})
		require.NoError(t, err)
		assert.Equal(t, []string{"FALSE"}, b.conditions)
		assert.Empty(t, b.args)
	})

	t.Run("empty notin matches everything", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addList("sources.name", &ListFilter{Filter: nil, Op: "notin"})
		require.NoError(t, err)
		assert.Empty(t, b.conditions)
	})

	t.Run("unknown operator", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addList("sources.name", &ListFilter{Filter: []string{"A"}, Op: "between"})
		assert.Error(t, err)
	})
}

func TestAddDates(t *testing.T) {
	t.Run("multiple filters AND together", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addDates("events.start", []DateFilter{
			{Date: "2018-06-05T02:07:03", Op: ">="},
			{Date: "2018-06-05T08:07:36", Op: "<"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"events.start >= $1", "events.start < $2"}, b.conditions)
		require.Len(t, b.args, 2)
		start, ok := b.args[0].(time.Time)
		require.True(t, ok)
		assert.Equal(t, 2018, start.Year())
	})

	t.Run("rejects invalid literal", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addDates("events.start", []DateFilter{{Date: "tomorrow", Op: "=="}})
		assert.Error(t, err)
	})

	t.Run("rejects invalid operator", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addDates("events.start", []DateFilter{{Date: "2018-06-05T02:07:03", Op: "~"}})
		assert.Error(t, err)
	})
}

func TestAddFloats(t *testing.T) {
	b := &clauseBuilder{}
	err := b.addFloats("sources.ingestion_duration", []FloatFilter{
		{Float: 10, Op: ">"},
		{Float: 60, Op: "<="},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sources.ingestion_duration > $1",
		"sources.ingestion_duration <= $2",
	}, b.conditions)
	assert.Equal(t, []interface{}{10.0, 60.0}, b.args)
}

func TestAddValueFilters(t *testing.T) {
	t.Run("name and type only", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addValueFilters("event_values", "event_uuid", []ValueFilter{
			{Name: TextFilter{Filter: "satellite", Op: "=="}, Type: "text"},
		})
		require.NoError(t, err)
		require.Len(t, b.conditions, 1)
		assert.Equal(t,
			"EXISTS (SELECT 1 FROM event_values v WHERE v.event_uuid = events.event_uuid AND v.name = $1 AND v.type = $2)",
			b.conditions[0])
		assert.Equal(t, []interface{}{"satellite", "text"}, b.args)
	})

	t.Run("double comparison casts the stored literal", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addValueFilters("event_values", "event_uuid", []ValueFilter{
			{
				Name:  TextFilter{Filter: "orbit", Op: "=="},
				Type:  "double",
				Value: &TextFilter{Filter: "16077", Op: ">="},
			},
		})
		require.NoError(t, err)
		require.Len(t, b.conditions, 1)
		assert.Contains(t, b.conditions[0],
			"CASE WHEN v.type = 'double' THEN v.value::double precision END >= $3")
		assert.Equal(t, []interface{}{"orbit", "double", 16077.0}, b.args)
	})

	t.Run("casts never reach rows of another type", func(t *testing.T) {
		// Value rows of different types can share a name; the cast has to
		// stay behind the type check so a text literal on a sibling row
		// cannot break the query.
		b := &clauseBuilder{}
		err := b.addValueFilters("event_values", "event_uuid", []ValueFilter{
			{
				Name:  TextFilter{Filter: "%", Op: "like"},
				Type:  "timestamp",
				Value: &TextFilter{Filter: "2018-06-05T02:07:03", Op: "<"},
			},
			{
				Name:  TextFilter{Filter: "%", Op: "like"},
				Type:  "boolean",
				Value: &TextFilter{Filter: "true", Op: "=="},
			},
		})
		require.NoError(t, err)
		require.Len(t, b.conditions, 2)
		assert.Contains(t, b.conditions[0],
			"CASE WHEN v.type = 'timestamp' THEN v.value::timestamp END < $3")
		assert.Contains(t, b.conditions[1],
			"CASE WHEN v.type = 'boolean' THEN v.value::boolean END = $6")
	})

	t.Run("annotation values target their own table", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addValueFilters("annotation_values", "annotation_uuid", []ValueFilter{
			{Name: TextFilter{Filter: "cloud%", Op: "like"}, Type: ""},
		})
		require.NoError(t, err)
		assert.Contains(t, b.conditions[0], "FROM annotation_values v WHERE v.annotation_uuid = annotations.annotation_uuid")
		assert.Contains(t, b.conditions[0], "v.name LIKE $1")
	})

	t.Run("rejects bad double literal", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addValueFilters("event_values", "event_uuid", []ValueFilter{
			{
				Name:  TextFilter{Filter: "orbit", Op: "=="},
				Type:  "double",
				Value: &TextFilter{Filter: "many", Op: "=="},
			},
		})
		assert.Error(t, err)
	})
}

func TestAddSeverities(t *testing.T) {
	t.Run("maps literals to levels", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addSeverities("alert_cnfs.severity", &ListFilter{
			Filter: []string{"critical", "fatal"},
			Op:     "in",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"alert_cnfs.severity = ANY($1)"}, b.conditions)
	})

	t.Run("rejects unknown severity", func(t *testing.T) {
		b := &clauseBuilder{}
		err := b.addSeverities("alert_cnfs.severity", &ListFilter{
			Filter: []string{"apocalyptic"},
			Op:     "in",
		})
		assert.Error(t, err)
	})
}

func TestOrderClause(t *testing.T) {
	allowed := map[string]string{
		"start":          "events.start",
		"ingestion_time": "events.ingestion_time",
	}

	t.Run("default field", func(t *testing.T) {
		clause, err := orderClause(nil, allowed, "events.ingestion_time", "events.ingestion_time")
		require.NoError(t, err)
		assert.Equal(t, "ORDER BY events.ingestion_time ASC", clause)
	})

	t.Run("allowed field descending with tiebreak", func(t *testing.T) {
		clause, err := orderClause(&OrderBy{Field: "start", Descending: true}, allowed,
			"events.ingestion_time", "events.ingestion_time")
		require.NoError(t, err)
		assert.Equal(t, "ORDER BY events.start DESC, events.ingestion_time DESC", clause)
	})

	t.Run("rejects field outside the allowlist", func(t *testing.T) {
		_, err := orderClause(&OrderBy{Field: "source_uuid"}, allowed,
			"events.ingestion_time", "events.ingestion_time")
		assert.Error(t, err)
	})
}

func TestLimitClause(t *testing.T) {
	limit := 50
	offset := 100

	t.Run("limit and offset", func(t *testing.T) {
		b := &clauseBuilder{}
		clause := b.limitClause(&limit, &offset)
		assert.Equal(t, "LIMIT $1 OFFSET $2", clause)
		assert.Equal(t, []interface{}{50, 100}, b.args)
	})

	t.Run("limit only", func(t *testing.T) {
		b := &clauseBuilder{}
		clause := b.limitClause(&limit, nil)
		assert.Equal(t, "LIMIT $1", clause)
	})

	t.Run("absent", func(t *testing.T) {
		b := &clauseBuilder{}
		assert.Equal(t, "", b.limitClause(nil, nil))
		assert.Empty(t, b.args)
	})
}

func TestWhere(t *testing.T) {
	b := &clauseBuilder{}
	assert.Equal(t, "", b.where())

	require.NoError(t, b.addText("sources.name", &TextFilter{Filter: "A", Op: "=="}))
	require.NoError(t, b.addList("gauges.name", &ListFilter{Filter: []string{"G"}, Op: "in"}))
	assert.Equal(t, "WHERE sources.name = $1 AND gauges.name = ANY($2)", b.where())
}
