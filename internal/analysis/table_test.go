package analysis

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildTable(rows []map[string]string, cols ...string) *AnswerTable {
	t := NewAnswerTable()
	for _, c := range cols {
		t.AddColumn(c)
	}
	for i, r := range rows {
		t.AddRow(string(rune('a'+i)), r)
	}
	return t
}

func TestColumnsFirstAppearanceOrder(t *testing.T) {
	table := NewAnswerTable()
	table.AddColumn("title")
	table.AddColumn("author")
	table.AddColumn("title") // duplicate ignored
	table.AddColumn("date")

	want := []string{"title", "author", "date"}
	if diff := cmp.Diff(want, table.Columns()); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
}

func TestRelevantColumnsExcludesEmpty(t *testing.T) {
	table := buildTable([]map[string]string{
		{"title": "the cat", "author": ""},
		{"title": "the cat", "author": ""},
	}, "title", "author")

	want := []string{"title"}
	if diff := cmp.Diff(want, table.RelevantColumns()); diff != "" {
		t.Errorf("RelevantColumns mismatch (-want +got):\n%s", diff)
	}
}

func TestMajorityTieBreaksFirstSeen(t *testing.T) {
	table := buildTable([]map[string]string{
		{"title": "the cat"},
		{"title": "a dog"},
		{"title": "a dog"},
		{"title": "the cat"},
	}, "title")

	if got := table.Majority("title"); got != "the cat" {
		t.Errorf("Majority = %q, want first-seen %q", got, "the cat")
	}
}

func TestHasQuorumAllColumns(t *testing.T) {
	// title agrees 3/3, author only 2/3: unit-level quorum at threshold 3
	// fails even though one column reaches it.
	table := buildTable([]map[string]string{
		{"title": "the cat", "author": "smith"},
		{"title": "the cat", "author": "smith"},
		{"title": "the cat", "author": "smythe"},
	}, "title", "author")

	if table.HasQuorum(3) {
		t.Error("HasQuorum(3) = true, want false: author column disagrees")
	}
	if !table.HasQuorum(2) {
		t.Error("HasQuorum(2) = false, want true")
	}

	if v, ok := table.ColumnQuorum("title", 3); !ok || v != "the cat" {
		t.Errorf("ColumnQuorum(title, 3) = %q, %v", v, ok)
	}
	if _, ok := table.ColumnQuorum("author", 3); ok {
		t.Error("ColumnQuorum(author, 3) reached quorum, want not")
	}
}

func TestHasQuorumEmptyTable(t *testing.T) {
	if NewAnswerTable().HasQuorum(1) {
		t.Error("empty table should never have quorum")
	}

	// Columns exist but every value is empty.
	table := buildTable([]map[string]string{
		{"title": ""},
		{"title": ""},
	}, "title")
	if table.HasQuorum(1) {
		t.Error("all-empty table should never have quorum")
	}
}

func TestPrunedDropsEmptyRows(t *testing.T) {
	// Two workers skipped the task entirely; their empty rows must not
	// dilute the vote.
	table := buildTable([]map[string]string{
		{"title": "the cat"},
		{"title": ""},
		{"title": "the cat"},
		{"title": ""},
	}, "title")

	if !table.HasQuorum(2) {
		t.Error("HasQuorum(2) = false, want true after pruning empty rows")
	}
	if v, ok := table.ColumnQuorum("title", 2); !ok || v != "the cat" {
		t.Errorf("ColumnQuorum = %q, %v", v, ok)
	}
}

func TestPartialRowsAbstain(t *testing.T) {
	// A row with data in one column abstains in the others: the blank cells
	// neither vote for the majority nor form a bloc of their own.
	table := buildTable([]map[string]string{
		{"title": "the cat", "author": "smith"},
		{"title": "the cat"},
		{"title": "the cat", "author": "smith"},
	}, "title", "author")

	if got := table.Majority("author"); got != "smith" {
		t.Errorf("Majority(author) = %q, want smith", got)
	}
	if table.HasQuorum(3) {
		t.Error("HasQuorum(3) = true, want false: author has only 2 matching votes")
	}
}

func TestEmptyMarkerNeverReachesQuorum(t *testing.T) {
	// Two workers left the date blank (or their dates degraded to "" during
	// normalisation); the blanks outnumber the real value but must not be
	// counted as an agreeing answer.
	table := buildTable([]map[string]string{
		{"title": "the cat", "date": ""},
		{"title": "the cat", "date": ""},
		{"title": "the cat", "date": "1984-11-19"},
	}, "title", "date")

	if table.HasQuorum(2) {
		t.Error("HasQuorum(2) = true, want false: the date column has one real vote")
	}
	if v, ok := table.ColumnQuorum("date", 2); ok {
		t.Errorf("ColumnQuorum(date, 2) = %q, true; blanks reached quorum", v)
	}
	if got := table.Majority("date"); got != "1984-11-19" {
		t.Errorf("Majority(date) = %q, want the sole real value", got)
	}

	// The title column alone still clears the bar.
	if v, ok := table.ColumnQuorum("title", 2); !ok || v != "the cat" {
		t.Errorf("ColumnQuorum(title, 2) = %q, %v", v, ok)
	}
}
