package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libcrowds/analyst/internal/annotations"
	"github.com/libcrowds/analyst/internal/monitoring"
	"github.com/libcrowds/analyst/internal/timeutil"
)

// AnswerStore provides tasks and their submitted answers. Lookups that find
// nothing return (nil, nil) rather than an error; missing data is an expected
// condition, not an exceptional one.
type AnswerStore interface {
	Task(ctx context.Context, taskID string) (*Task, error)
	TaskRuns(ctx context.Context, taskID string) ([]TaskRun, error)
	UpdateTask(ctx context.Context, task *Task) error
	ProjectTaskIDs(ctx context.Context, projectID string) ([]string, error)
	// ProjectTaskIDsWithoutResult lists the project's tasks that have no
	// stored consensus result yet.
	ProjectTaskIDsWithoutResult(ctx context.Context, projectID string) ([]string, error)
}

// RuleStore resolves a task type's matching rules. A missing template is
// (nil, nil).
type RuleStore interface {
	TemplateRules(ctx context.Context, templateID string) (*Template, error)
}

// Result is the reconciled, authoritative output for one task. Exactly one
// exists per task at any time; a new pass replaces it wholesale except for
// curated annotations, which are carried forward.
type Result struct {
	TaskID      string
	Annotations []annotations.Annotation
	// HasChildren marks a result that derived child tasks depend on. Such a
	// result is authoritative and must never be recomputed.
	HasChildren bool
	// Version is bumped on every save; SaveResult refuses to overwrite a
	// version it did not read (compare-and-swap).
	Version int64
	Created time.Time
	Updated time.Time
}

// ResultStore loads and persists consensus results. A task without a result
// is (nil, nil). SaveResult must return ErrResultConflict when the stored
// version no longer matches the one being saved over.
type ResultStore interface {
	Result(ctx context.Context, taskID string) (*Result, error)
	SaveResult(ctx context.Context, result *Result) error
}

// AnnotationService is the optional downstream annotation collection.
type AnnotationService interface {
	Create(ctx context.Context, collectionIRI string, ann *annotations.Annotation) (*annotations.Annotation, error)
	Delete(ctx context.Context, annotationIRI string) error
}

// Notifier is told about comment annotations created by a non-silent pass.
type Notifier interface {
	CommentCreated(ctx context.Context, task *Task, ann *annotations.Annotation)
}

// Options carries the optional collaborators of an Analyst. All fields may be
// zero; see New for the defaults.
type Options struct {
	// Service receives the final annotations after each pass. Nil disables
	// the downstream push.
	Service AnnotationService
	// CollectionIRI maps a project ID to its annotation container. Required
	// when Service is set.
	CollectionIRI func(projectID string) string
	// Notifier is told about new comments; nil disables notifications.
	Notifier Notifier
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// MergeThreshold defaults to DefaultMergeThreshold.
	MergeThreshold float64
}

// Analyst reconciles a task's submitted answers into one consensus result.
// All collaborators are injected at construction so tests can substitute
// fakes and independent instances never share implicit state.
type Analyst struct {
	answers  AnswerStore
	rules    RuleStore
	results  ResultStore
	service  AnnotationService
	collIRI  func(string) string
	notifier Notifier
	clock    timeutil.Clock
	merge    float64

	// locks serialises concurrent passes over the same task. The result
	// version check in the store is the backstop for multi-process setups.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an Analyst over the given stores.
func New(answers AnswerStore, rules RuleStore, results ResultStore, opts Options) *Analyst {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.MergeThreshold == 0 {
		opts.MergeThreshold = DefaultMergeThreshold
	}
	return &Analyst{
		answers:  answers,
		rules:    rules,
		results:  results,
		service:  opts.Service,
		collIRI:  opts.CollectionIRI,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		merge:    opts.MergeThreshold,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Analyse runs one aggregation pass over a task: it reads the full answer
// set, recomputes the consensus result, updates the task's redundancy state
// and persists both. It is idempotent and safe to re-run from scratch.
func (a *Analyst) Analyse(ctx context.Context, taskID string) error {
	return a.analyse(ctx, taskID, false)
}

// AnalyseAll re-runs aggregation over every task of a project. Each task is
// analysed independently: a failing task is logged and its siblings continue.
// Re-runs are silent so comments are not re-notified.
func (a *Analyst) AnalyseAll(ctx context.Context, projectID string) error {
	ids, err := a.answers.ProjectTaskIDs(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list tasks for project %q: %w", projectID, err)
	}
	return a.analyseBatch(ctx, projectID, ids)
}

// AnalyseEmpty analyses only the project's tasks with no stored result yet.
func (a *Analyst) AnalyseEmpty(ctx context.Context, projectID string) error {
	ids, err := a.answers.ProjectTaskIDsWithoutResult(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to list unanalysed tasks for project %q: %w", projectID, err)
	}
	return a.analyseBatch(ctx, projectID, ids)
}

func (a *Analyst) analyseBatch(ctx context.Context, projectID string, ids []string) error {
	failed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.analyse(ctx, id, true); err != nil {
			failed++
			monitoring.Logf("analysis of task %s failed: %v", id, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("project %q: %d of %d tasks failed analysis", projectID, failed, len(ids))
	}
	return nil
}

func (a *Analyst) analyse(ctx context.Context, taskID string, silent bool) error {
	unlock := a.lockTask(taskID)
	defer unlock()

	task, err := a.answers.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task %q: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %q not found", taskID)
	}

	runs, err := a.answers.TaskRuns(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task runs for %q: %w", taskID, err)
	}
	if len(runs) == 0 {
		return fmt.Errorf("task %q: %w", taskID, ErrInsufficientData)
	}

	tmpl, err := a.rules.TemplateRules(ctx, task.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load template %q: %w", task.TemplateID, err)
	}
	if tmpl == nil {
		return fmt.Errorf("task %q (template %q): %w", taskID, task.TemplateID, ErrConfiguration)
	}

	prev, err := a.results.Result(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load result for task %q: %w", taskID, err)
	}
	if prev != nil && prev.HasChildren {
		monitoring.Logf("task %s has child tasks, skipping analysis", taskID)
		return nil
	}

	target, err := resolveTarget(task, tmpl.Rules)
	if err != nil {
		return fmt.Errorf("task %q: %w", taskID, err)
	}

	pass, err := a.buildPass(task, tmpl, runs, target, prev)
	if err != nil {
		return err
	}

	// The result save is the serialisation point: its version check decides
	// whether this pass won. Only then is the task's redundancy state updated,
	// so a rejected pass leaves the task untouched.
	now := a.clock.Now()
	result := prev
	if result == nil {
		result = &Result{TaskID: taskID, Created: now}
	}
	replaced := result.Annotations
	result.Annotations = pass.annotations
	result.Updated = now
	if err := a.results.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("failed to save result for task %q: %w", taskID, err)
	}

	task.NAnswers, task.State = UpdateRedundancy(task.NAnswers, len(runs), pass.consensus, tmpl.MaxAnswers)
	if err := a.answers.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to update task %q: %w", taskID, err)
	}

	a.pushDownstream(ctx, task, replaced, pass.annotations)

	if !silent && a.notifier != nil {
		for i := range pass.newComments {
			a.notifier.CommentCreated(ctx, task, &pass.newComments[i])
		}
	}
	return nil
}

// passOutput is what one aggregation pass computes before persistence.
type passOutput struct {
	annotations []annotations.Annotation
	newComments []annotations.Annotation
	consensus   bool
}

// buildPass partitions the runs into the three channels, votes, clusters and
// assembles the final annotation list in the canonical order: comments,
// region taggings, text fields, carried-forward curated annotations.
func (a *Analyst) buildPass(task *Task, tmpl *Template, runs []TaskRun, target annotations.Target, prev *Result) (*passOutput, error) {
	now := a.clock.Now()
	rules := tmpl.Rules

	// Curated describing annotations suppress recomputation of their tag.
	curated := make(map[string]bool)
	var carried []annotations.Annotation
	if prev != nil {
		for _, ann := range prev.Annotations {
			if ann.Motivation == annotations.MotivationDescribing && ann.Curated() {
				curated[ann.Tag()] = true
				carried = append(carried, ann)
			}
		}
	}

	table := NewAnswerTable()
	regions := make(map[string][]Rect)
	var regionOrder []string
	type comment struct{ user, value string }
	var comments []comment

	for _, run := range runs {
		contrib, err := ParseContribution(tmpl.Mode, run)
		if err != nil {
			return nil, err
		}
		for _, v := range contrib.Comments {
			comments = append(comments, comment{user: contrib.UserID, value: v})
		}
		for _, tag := range contrib.FieldOrder {
			table.AddColumn(tag)
		}
		values := make(map[string]string, len(contrib.Fields))
		for tag, v := range contrib.Fields {
			values[tag] = Normalize(v, rules)
		}
		table.AddRow(run.ID, values)
		for _, rt := range contrib.Regions {
			tag := Normalize(rt.Tag, rules)
			if _, ok := regions[tag]; !ok {
				regionOrder = append(regionOrder, tag)
			}
			regions[tag] = append(regions[tag], rt.Rect)
		}
	}

	out := &passOutput{}

	// Comments are appended verbatim, one per worker, never voted on.
	for _, c := range comments {
		ann := annotations.New(annotations.MotivationCommenting, target, now)
		ann.Body = []annotations.Body{{
			Type:    "TextualBody",
			Purpose: "commenting",
			Value:   c.value,
			Format:  "text/plain",
		}}
		if c.user != "" {
			ann.Creator = &annotations.Agent{ID: c.user, Type: "Person"}
		}
		out.annotations = append(out.annotations, ann)
		if prev == nil || !hasComment(prev.Annotations, c.user, c.value) {
			out.newComments = append(out.newComments, ann)
		}
	}

	// Region taggings cluster into one annotation per consensus rectangle,
	// the target narrowed to that rectangle.
	for _, tag := range regionOrder {
		for _, rect := range Cluster(regions[tag], a.merge) {
			ann := annotations.New(annotations.MotivationTagging, annotations.Target{
				Source:   target.Source,
				Selector: annotations.NewFragmentSelector(rect.XYWH()),
			}, now)
			ann.Body = []annotations.Body{{
				Type:    "TextualBody",
				Purpose: "tagging",
				Value:   tag,
			}}
			out.annotations = append(out.annotations, ann)
		}
	}

	// Text fields: per-field vote over the normalised table. Curated tags are
	// excluded from both emission and the unit-level consensus decision.
	threshold := tmpl.Threshold(len(runs))
	var voted []string
	for _, col := range table.RelevantColumns() {
		if !curated[col] {
			voted = append(voted, col)
		}
	}
	out.consensus = len(voted) == 0 || table.hasQuorum(voted, threshold)
	for _, col := range voted {
		value, ok := table.ColumnQuorum(col, threshold)
		if !ok || value == "" {
			continue
		}
		ann := annotations.New(annotations.MotivationDescribing, target, now)
		ann.Body = []annotations.Body{
			{Type: "TextualBody", Purpose: "describing", Value: value, Format: "text/plain"},
			{Type: "TextualBody", Purpose: "tagging", Value: col},
		}
		out.annotations = append(out.annotations, ann)
	}

	out.annotations = append(out.annotations, carried...)
	return out, nil
}

// pushDownstream mirrors the result into the remote annotation collection:
// the previous pass's non-curated annotations are deleted, then the new ones
// created. Downstream failures are logged, not fatal; the stored result is
// the source of truth and the next pass re-pushes everything.
func (a *Analyst) pushDownstream(ctx context.Context, task *Task, replaced, current []annotations.Annotation) {
	if a.service == nil {
		return
	}
	collection := ""
	if a.collIRI != nil {
		collection = a.collIRI(task.ProjectID)
	}

	carried := make(map[string]bool)
	for _, ann := range current {
		if ann.Curated() {
			carried[ann.ID] = true
		}
	}
	for _, ann := range replaced {
		if carried[ann.ID] {
			continue
		}
		if err := a.service.Delete(ctx, ann.ID); err != nil {
			monitoring.Logf("failed to delete annotation %s: %v", ann.ID, err)
		}
	}
	for i := range current {
		if carried[current[i].ID] {
			continue
		}
		if _, err := a.service.Create(ctx, collection, &current[i]); err != nil {
			monitoring.Logf("failed to push annotation %s: %v", current[i].ID, err)
		}
	}
}

// resolveTarget determines the annotation target for a task, honouring the
// remove_fragment_selector and target_from_select_parent rules. An existing
// region fragment on the target must parse; guessing at a malformed one is
// worse than failing the pass.
func resolveTarget(task *Task, rules RuleSet) (annotations.Target, error) {
	src := task.Target
	if rules.TargetFromSelectParent {
		if task.ParentTarget == "" {
			return annotations.Target{}, fmt.Errorf("%w: task has no parent target", ErrMalformedTarget)
		}
		src = task.ParentTarget
	}

	base, frag, found := strings.Cut(src, "?xywh=")
	if !found {
		return annotations.Target{Source: src}, nil
	}
	if rules.RemoveFragmentSelector {
		return annotations.Target{Source: base}, nil
	}
	rect, err := ParseXYWH(frag)
	if err != nil {
		return annotations.Target{}, err
	}
	return annotations.Target{
		Source:   base,
		Selector: annotations.NewFragmentSelector(rect.XYWH()),
	}, nil
}

func hasComment(anns []annotations.Annotation, user, value string) bool {
	for i := range anns {
		ann := &anns[i]
		if ann.Motivation != annotations.MotivationCommenting || ann.Value() != value {
			continue
		}
		if ann.Creator == nil {
			if user == "" {
				return true
			}
			continue
		}
		if ann.Creator.ID == user {
			return true
		}
	}
	return false
}

func (a *Analyst) lockTask(taskID string) func() {
	a.mu.Lock()
	l, ok := a.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[taskID] = l
	}
	a.mu.Unlock()
	l.Lock()
	return l.Unlock
}
