package analysis

// AnswerTable is the per-task voting table: one row per task run, one column
// per field tag. Missing values are stored as the empty marker "". Column and
// row order follow first appearance, which also fixes tie-breaking: on equal
// frequency the first-seen value wins.
type AnswerTable struct {
	columns []string
	seen    map[string]bool
	rows    []tableRow
}

type tableRow struct {
	runID  string
	values map[string]string
}

// NewAnswerTable returns an empty table.
func NewAnswerTable() *AnswerTable {
	return &AnswerTable{seen: make(map[string]bool)}
}

// AddColumn registers a field tag, keeping first-appearance order.
func (t *AnswerTable) AddColumn(tag string) {
	if !t.seen[tag] {
		t.seen[tag] = true
		t.columns = append(t.columns, tag)
	}
}

// AddRow appends one task run's values. Unknown tags in values must have been
// registered with AddColumn first; tags with no value for this run read as "".
func (t *AnswerTable) AddRow(runID string, values map[string]string) {
	t.rows = append(t.rows, tableRow{runID: runID, values: values})
}

// Columns returns the field tags in first-appearance order.
func (t *AnswerTable) Columns() []string {
	return t.columns
}

// Value returns the cell for a run row and column, with "" for missing.
func (t *AnswerTable) value(row tableRow, col string) string {
	return row.values[col]
}

// pruned returns the rows that carry data in at least one of the given
// columns. Rows empty across all of them are dropped before voting.
func (t *AnswerTable) pruned(cols []string) []tableRow {
	var out []tableRow
	for _, row := range t.rows {
		for _, c := range cols {
			if t.value(row, c) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// RelevantColumns returns the columns holding at least one non-empty value.
// Columns where every answer is empty yield no annotation and are not a
// reason to escalate redundancy, so they are excluded from voting entirely.
func (t *AnswerTable) RelevantColumns() []string {
	var out []string
	for _, c := range t.columns {
		for _, row := range t.rows {
			if t.value(row, c) != "" {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

type valueCount struct {
	value string
	count int
}

// frequencies counts the non-empty values of a column over the given rows,
// ordered by first occurrence. The empty marker is an abstention, never a
// vote: a blank field or a value that degraded to "" during normalisation
// must not carry a column to quorum.
func frequencies(t *AnswerTable, rows []tableRow, col string) []valueCount {
	idx := make(map[string]int)
	var out []valueCount
	for _, row := range rows {
		v := t.value(row, col)
		if v == "" {
			continue
		}
		if i, ok := idx[v]; ok {
			out[i].count++
			continue
		}
		idx[v] = len(out)
		out = append(out, valueCount{value: v, count: 1})
	}
	return out
}

// top returns the most frequent value and its count, first-seen winning ties.
func top(freqs []valueCount) (string, int) {
	best, n := "", 0
	for _, f := range freqs {
		if f.count > n {
			best, n = f.value, f.count
		}
	}
	return best, n
}

// HasQuorum reports whether every relevant column's most frequent value has
// at least threshold occurrences. An empty table (no relevant columns, or all
// rows dropped) has no quorum.
func (t *AnswerTable) HasQuorum(threshold int) bool {
	cols := t.RelevantColumns()
	return t.hasQuorum(cols, threshold)
}

func (t *AnswerTable) hasQuorum(cols []string, threshold int) bool {
	if len(cols) == 0 {
		return false
	}
	rows := t.pruned(cols)
	if len(rows) == 0 {
		return false
	}
	for _, c := range cols {
		if _, n := top(frequencies(t, rows, c)); n < threshold {
			return false
		}
	}
	return true
}

// Majority returns the most frequent value of a column over the pruned rows,
// ties broken by first occurrence. The majority of an unknown column is "".
func (t *AnswerTable) Majority(col string) string {
	rows := t.pruned(t.RelevantColumns())
	v, _ := top(frequencies(t, rows, col))
	return v
}

// ColumnQuorum reports whether one column alone reaches the threshold, and
// returns its majority value. The aggregator uses this for per-field
// annotation emission while the unit-level consensus decision uses HasQuorum
// across all fields.
func (t *AnswerTable) ColumnQuorum(col string, threshold int) (string, bool) {
	rows := t.pruned(t.RelevantColumns())
	if len(rows) == 0 {
		return "", false
	}
	v, n := top(frequencies(t, rows, col))
	return v, n >= threshold
}
