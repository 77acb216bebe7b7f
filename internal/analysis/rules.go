package analysis

import (
	"encoding/json"
	"math"
	"time"
)

// Task lifecycle states. A task is ongoing while more answers may still be
// solicited and completed once consensus is reached or the answer budget is
// exhausted.
type TaskState string

const (
	TaskOngoing   TaskState = "ongoing"
	TaskCompleted TaskState = "completed"
)

// Presenter modes supported by the engine. The mode decides how a task run's
// payload is interpreted (see payload.go).
const (
	ModeIIIF  = "iiif-annotate"
	ModeZ3950 = "z3950"
)

// RuleSet is the per-template normalisation and matching configuration.
// All fields are independently optional; the zero value applies no rules.
type RuleSet struct {
	// Case is one of "title", "lower", "upper" or empty (unchanged).
	Case string `json:"case,omitempty"`
	// Whitespace is one of "normalise", "underscore", "full_stop" or empty.
	Whitespace string `json:"whitespace,omitempty"`
	// TrimPunctuation strips leading/trailing punctuation characters.
	TrimPunctuation bool `json:"trim_punctuation,omitempty"`
	// DateFormat parses the value as a date and emits YYYY-MM-DD.
	DateFormat bool `json:"date_format,omitempty"`
	// DayFirst and YearFirst are parse hints for ambiguous numeric dates.
	DayFirst  bool `json:"dayfirst,omitempty"`
	YearFirst bool `json:"yearfirst,omitempty"`

	// RemoveFragmentSelector strips a pre-existing region selector from the
	// task target before aggregation.
	RemoveFragmentSelector bool `json:"remove_fragment_selector,omitempty"`
	// TargetFromSelectParent substitutes the task's parent target (the region
	// selected by an upstream task) for the task's own target.
	TargetFromSelectParent bool `json:"target_from_select_parent,omitempty"`

	// MatchPercentage, when set, switches the quorum threshold from the
	// absolute min_answers count to a fraction of the submitted answers.
	MatchPercentage *float64 `json:"match_percentage,omitempty"`
}

// Template is a unit-of-work type's matching configuration, looked up by the
// task's template reference.
type Template struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Mode       string  `json:"mode"`
	MinAnswers int     `json:"min_answers"`
	MaxAnswers int     `json:"max_answers"`
	Rules      RuleSet `json:"rules"`
}

// Threshold resolves the quorum threshold for a pass with nSubmitted answers.
// The percentage variant rounds up so a 50% rule over 3 answers needs 2.
func (t *Template) Threshold(nSubmitted int) int {
	if t.Rules.MatchPercentage != nil {
		n := int(math.Ceil(*t.Rules.MatchPercentage * float64(nSubmitted)))
		if n < 1 {
			n = 1
		}
		return n
	}
	return t.MinAnswers
}

// Task is one unit of work whose answers are reconciled by the engine.
type Task struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	TemplateID string    `json:"template_id"`
	Target     string    `json:"target"`
	// ParentTarget is the consensus region selected by an upstream task, when
	// this task was derived from one. Used by target_from_select_parent.
	ParentTarget string    `json:"parent_target,omitempty"`
	NAnswers     int       `json:"n_answers"`
	State        TaskState `json:"state"`
}

// TaskRun is one worker's immutable submission for a task. Info carries the
// presenter-specific payload; it is decoded once per pass (see payload.go).
type TaskRun struct {
	ID      string          `json:"id"`
	TaskID  string          `json:"task_id"`
	UserID  string          `json:"user_id"`
	Info    json.RawMessage `json:"info"`
	Created time.Time       `json:"created"`
}
