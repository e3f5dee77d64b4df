package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/eboa-io/eboa/internal/engine"
)

var textOperators = map[string]string{
	"like":    "LIKE",
	"notlike": "NOT LIKE",
	"==":      "=",
	"!=":      "<>",
}

var comparisonOperators = map[string]string{
	"==": "=",
	"!=": "<>",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

// clauseBuilder accumulates WHERE conditions with positional arguments,
// shared by all query entry points.
type clauseBuilder struct {
	conditions []string
	args       []interface{}
	argIndex   int
}

func (b *clauseBuilder) next() int {
	b.argIndex++
	return b.argIndex
}

func (b *clauseBuilder) addText(column string, filter *TextFilter) error {
	if filter == nil {
		return nil
	}
	operator, ok := textOperators[filter.Op]
	if !ok {
		return fmt.Errorf("unsupported text operator %q for %s", filter.Op, column)
	}
	b.conditions = append(b.conditions, fmt.Sprintf("%s %s $%d", column, operator, b.next()))
	b.args = append(b.args, filter.Filter)
	return nil
}

func (b *clauseBuilder) addList(column string, filter *ListFilter) error {
	if filter == nil {
		return nil
	}
	switch filter.Op {
	case "in":
		// An empty membership list matches nothing.
		if len(filter.Filter) == 0 {
			b.conditions = append(b.conditions, "FALSE")
			return nil
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s = ANY($%d)", column, b.next()))
		b.args = append(b.args, pq.Array(filter.Filter))
	case "notin":
		// An empty exclusion list matches everything.
		if len(filter.Filter) == 0 {
			return nil
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s <> ALL($%d)", column, b.next()))
		b.args = append(b.args, pq.Array(filter.Filter))
	default:
		return fmt.Errorf("unsupported list operator %q for %s", filter.Op, column)
	}
	return nil
}

func (b *clauseBuilder) addDates(column string, filters []DateFilter) error {
	for _, filter := range filters {
		operator, ok := comparisonOperators[filter.Op]
		if !ok {
			return fmt.Errorf("unsupported date operator %q for %s", filter.Op, column)
		}
		t, err := engine.ParseTimestamp(filter.Date)
		if err != nil {
			return fmt.Errorf("invalid date %q for %s", filter.Date, column)
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s %s $%d", column, operator, b.next()))
		b.args = append(b.args, t)
	}
	return nil
}

func (b *clauseBuilder) addFloats(column string, filters []FloatFilter) error {
	for _, filter := range filters {
		operator, ok := comparisonOperators[filter.Op]
		if !ok {
			return fmt.Errorf("unsupported float operator %q for %s", filter.Op, column)
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s %s $%d", column, operator, b.next()))
		b.args = append(b.args, filter.Float)
	}
	return nil
}

func (b *clauseBuilder) addBool(column string, value *bool) {
	if value == nil {
		return
	}
	b.conditions = append(b.conditions, fmt.Sprintf("%s = $%d", column, b.next()))
	b.args = append(b.args, *value)
}

// addSeverities maps severity literals to their numeric levels before
// matching the integer severity column.
func (b *clauseBuilder) addSeverities(column string, filter *ListFilter) error {
	if filter == nil {
		return nil
	}
	levels := make([]int64, 0, len(filter.Filter))
	for _, name := range filter.Filter {
		level, ok := engine.SeverityLevel(name)
		if !ok {
			return fmt.Errorf("unknown severity %q", name)
		}
		levels = append(levels, int64(level))
	}
	switch filter.Op {
	case "in":
		if len(levels) == 0 {
			b.conditions = append(b.conditions, "FALSE")
			return nil
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s = ANY($%d)", column, b.next()))
		b.args = append(b.args, pq.Array(levels))
	case "notin":
		if len(levels) == 0 {
			return nil
		}
		b.conditions = append(b.conditions, fmt.Sprintf("%s <> ALL($%d)", column, b.next()))
		b.args = append(b.args, pq.Array(levels))
	default:
		return fmt.Errorf("unsupported list operator %q for %s", filter.Op, column)
	}
	return nil
}

// addValueFilters adds one EXISTS subquery per value filter against the
// given value table. The stored literal is cast to the filter's declared
// type before comparison; the cast is wrapped in a CASE on v.type so rows
// of other types never reach it regardless of qual evaluation order.
func (b *clauseBuilder) addValueFilters(valueTable, parentColumn string, filters []ValueFilter) error {
	for _, filter := range filters {
		nameOperator, ok := textOperators[filter.Name.Op]
		if !ok {
			return fmt.Errorf("unsupported text operator %q for value name", filter.Name.Op)
		}

		var sub strings.Builder
		fmt.Fprintf(&sub, "EXISTS (SELECT 1 FROM %s v WHERE v.%s = %s.%s",
			valueTable, parentColumn, tableOf(parentColumn), parentColumn)
		fmt.Fprintf(&sub, " AND v.name %s $%d", nameOperator, b.next())
		b.args = append(b.args, filter.Name.Filter)

		if filter.Type != "" {
			fmt.Fprintf(&sub, " AND v.type = $%d", b.next())
			b.args = append(b.args, filter.Type)
		}

		if filter.Value != nil {
			if err := b.appendValueComparison(&sub, filter.Type, filter.Value); err != nil {
				return err
			}
		}

		sub.WriteString(")")
		b.conditions = append(b.conditions, sub.String())
	}
	return nil
}

func (b *clauseBuilder) appendValueComparison(sub *strings.Builder, valueType string, filter *TextFilter) error {
	switch valueType {
	case "double":
		operator, ok := comparisonOperators[filter.Op]
		if !ok {
			return fmt.Errorf("unsupported double operator %q for value filter", filter.Op)
		}
		number, err := strconv.ParseFloat(filter.Filter, 64)
		if err != nil {
			return fmt.Errorf("invalid double literal %q for value filter", filter.Filter)
		}
		fmt.Fprintf(sub, " AND CASE WHEN v.type = 'double' THEN v.value::double precision END %s $%d", operator, b.next())
		b.args = append(b.args, number)
	case "timestamp":
		operator, ok := comparisonOperators[filter.Op]
		if !ok {
			return fmt.Errorf("unsupported timestamp operator %q for value filter", filter.Op)
		}
		t, err := engine.ParseTimestamp(filter.Filter)
		if err != nil {
			return fmt.Errorf("invalid timestamp literal %q for value filter", filter.Filter)
		}
		fmt.Fprintf(sub, " AND CASE WHEN v.type = 'timestamp' THEN v.value::timestamp END %s $%d", operator, b.next())
		b.args = append(b.args, t)
	case "boolean":
		if filter.Op != "==" && filter.Op != "!=" {
			return fmt.Errorf("unsupported boolean operator %q for value filter", filter.Op)
		}
		value, err := strconv.ParseBool(strings.ToLower(filter.Filter))
		if err != nil {
			return fmt.Errorf("invalid boolean literal %q for value filter", filter.Filter)
		}
		fmt.Fprintf(sub, " AND CASE WHEN v.type = 'boolean' THEN v.value::boolean END %s $%d", comparisonOperators[filter.Op], b.next())
		b.args = append(b.args, value)
	default:
		// text and geometry compare as stored literals
		operator, ok := textOperators[filter.Op]
		if !ok {
			return fmt.Errorf("unsupported text operator %q for value filter", filter.Op)
		}
		fmt.Fprintf(sub, " AND v.value %s $%d", operator, b.next())
		b.args = append(b.args, filter.Filter)
	}
	return nil
}

// tableOf derives the owning table of a value parent column
func tableOf(parentColumn string) string {
	return strings.TrimSuffix(parentColumn, "_uuid") + "s"
}

func (b *clauseBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conditions, " AND ")
}

// orderClause validates the requested field against the entity's allowlist
// and appends a deterministic tiebreak.
func orderClause(orderBy *OrderBy, allowed map[string]string, defaultField, tiebreak string) (string, error) {
	field := defaultField
	if orderBy != nil && orderBy.Field != "" {
		column, ok := allowed[orderBy.Field]
		if !ok {
			return "", fmt.Errorf("unsupported order_by field %q", orderBy.Field)
		}
		field = column
	}
	direction := "ASC"
	if orderBy != nil && orderBy.Descending {
		direction = "DESC"
	}
	clause := fmt.Sprintf("ORDER BY %s %s", field, direction)
	if tiebreak != "" && field != tiebreak {
		clause += fmt.Sprintf(", %s %s", tiebreak, direction)
	}
	return clause, nil
}

func (b *clauseBuilder) limitClause(limit, offset *int) string {
	var clause string
	if limit != nil && *limit > 0 {
		clause = fmt.Sprintf("LIMIT $%d", b.next())
		b.args = append(b.args, *limit)
	}
	if offset != nil && *offset > 0 {
		if clause != "" {
			clause += " "
		}
		clause += fmt.Sprintf("OFFSET $%d", b.next())
		b.args = append(b.args, *offset)
	}
	return clause
}
