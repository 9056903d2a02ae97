package dialect

import (
	"strings"
)

// ValuesClause returns "VALUES (?,?),(?,?) " for the given number of columns
// and rows. It panics if either is zero.
func ValuesClause(cols, rows int) string {
	if cols <= 0 || rows <= 0 {
		panic("dialect: ValuesClause needs at least one column and one row")
	}
	row := "(" + strings.Repeat("?,", cols-1) + "?)"

	var b strings.Builder
	b.Grow(len("VALUES ") + rows*(len(row)+1))
	b.WriteString("VALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(row)
	}
	b.WriteByte(' ')
	return b.String()
}

// InsertStatement builds "INSERT [verb] INTO "table" ("a","b") VALUES ..."
// for rows rows. conflict is an optional SQLite conflict clause such as
// "OR IGNORE".
func InsertStatement(table string, columns []string, rows int, conflict string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}

	var b strings.Builder
	b.WriteString("INSERT ")
	if conflict != "" {
		b.WriteString(conflict)
		b.WriteByte(' ')
	}
	b.WriteString("INTO ")
	b.WriteString(QuoteIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ","))
	b.WriteString(") ")
	b.WriteString(ValuesClause(len(columns), rows))
	return strings.TrimRight(b.String(), " ")
}
