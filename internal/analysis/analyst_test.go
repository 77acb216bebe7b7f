package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libcrowds/analyst/internal/annotations"
	"github.com/libcrowds/analyst/internal/timeutil"
)

// memStore is an in-memory AnswerStore/RuleStore/ResultStore with the same
// contract as the sqlite store, including the result version check.
type memStore struct {
	tasks     map[string]*Task
	runs      map[string][]TaskRun
	templates map[string]*Template
	results   map[string]*Result
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     make(map[string]*Task),
		runs:      make(map[string][]TaskRun),
		templates: make(map[string]*Template),
		results:   make(map[string]*Result),
	}
}

func (m *memStore) Task(_ context.Context, taskID string) (*Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) TaskRuns(_ context.Context, taskID string) ([]TaskRun, error) {
	return m.runs[taskID], nil
}

func (m *memStore) UpdateTask(_ context.Context, task *Task) error {
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("task %q not found", task.ID)
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) ProjectTaskIDs(_ context.Context, projectID string) ([]string, error) {
	var ids []string
	for id, t := range m.tasks {
		if t.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ProjectTaskIDsWithoutResult(_ context.Context, projectID string) ([]string, error) {
	all, _ := m.ProjectTaskIDs(context.Background(), projectID)
	var ids []string
	for _, id := range all {
		if _, ok := m.results[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) TemplateRules(_ context.Context, templateID string) (*Template, error) {
	t, ok := m.templates[templateID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) Result(_ context.Context, taskID string) (*Result, error) {
	r, ok := m.results[taskID]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.Annotations = append([]annotations.Annotation(nil), r.Annotations...)
	return &cp, nil
}

func (m *memStore) SaveResult(_ context.Context, result *Result) error {
	stored, exists := m.results[result.TaskID]
	if result.Version == 0 {
		if exists {
			return fmt.Errorf("task %s: %w", result.TaskID, ErrResultConflict)
		}
		result.Version = 1
	} else {
		if !exists || stored.Version != result.Version {
			return fmt.Errorf("task %s: %w", result.TaskID, ErrResultConflict)
		}
		result.Version++
	}
	cp := *result
	cp.Annotations = append([]annotations.Annotation(nil), result.Annotations...)
	m.results[result.TaskID] = &cp
	return nil
}

// seed inserts a template and a task using it, returning the task ID.
func (m *memStore) seed(mode string, rules RuleSet, nAnswers int) string {
	tmpl := &Template{ID: "tmpl-1", Name: "test", Mode: mode, MinAnswers: 3, MaxAnswers: 10, Rules: rules}
	m.templates[tmpl.ID] = tmpl
	task := &Task{
		ID:         "task-1",
		ProjectID:  "proj-1",
		TemplateID: tmpl.ID,
		Target:     "http://example.org/iiif/book1/canvas/p1",
		NAnswers:   nAnswers,
		State:      TaskOngoing,
	}
	m.tasks[task.ID] = task
	return task.ID
}

func (m *memStore) addRun(taskID, userID, info string) {
	id := fmt.Sprintf("run-%d", len(m.runs[taskID])+1)
	m.runs[taskID] = append(m.runs[taskID], TaskRun{
		ID: id, TaskID: taskID, UserID: userID, Info: json.RawMessage(info),
	})
}

type serviceCall struct {
	op         string
	iri        string
	collection string
}

// fakeService records downstream annotation traffic.
type fakeService struct {
	calls []serviceCall
	fail  bool
}

func (s *fakeService) Create(_ context.Context, collectionIRI string, ann *annotations.Annotation) (*annotations.Annotation, error) {
	if s.fail {
		return nil, errors.New("service down")
	}
	s.calls = append(s.calls, serviceCall{op: "create", iri: ann.ID, collection: collectionIRI})
	return ann, nil
}

func (s *fakeService) Delete(_ context.Context, annotationIRI string) error {
	if s.fail {
		return errors.New("service down")
	}
	s.calls = append(s.calls, serviceCall{op: "delete", iri: annotationIRI})
	return nil
}

type fakeNotifier struct {
	comments []string
}

func (n *fakeNotifier) CommentCreated(_ context.Context, _ *Task, ann *annotations.Annotation) {
	n.comments = append(n.comments, ann.Value())
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAnalyst(store *memStore, opts Options) *Analyst {
	if opts.Clock == nil {
		opts.Clock = timeutil.NewMockClock(testTime)
	}
	return New(store, store, store, opts)
}

func findByMotivation(anns []annotations.Annotation, motivation string) []annotations.Annotation {
	var out []annotations.Annotation
	for _, a := range anns {
		if a.Motivation == motivation {
			out = append(out, a)
		}
	}
	return out
}

func TestAnalyseTextConsensus(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{Case: "title"}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat", "author": "smith"}`)
	store.addRun(taskID, "u2", `{"title": "THE CAT", "author": "smith"}`)
	store.addRun(taskID, "u3", `{"title": "The Cat", "author": "smith"}`)

	analyst := newTestAnalyst(store, Options{})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	result := store.results[taskID]
	require.NotNil(t, result)
	describing := findByMotivation(result.Annotations, annotations.MotivationDescribing)
	require.Len(t, describing, 2)

	byTag := map[string]string{}
	for _, ann := range describing {
		byTag[ann.Tag()] = ann.Value()
		assert.Equal(t, "http://example.org/iiif/book1/canvas/p1", ann.Target.Source)
		assert.Equal(t, testTime.Format(time.RFC3339), ann.Created)
	}
	assert.Equal(t, "Smith", byTag["author"])
	assert.Equal(t, "The Cat", byTag["title"])

	task := store.tasks[taskID]
	assert.Equal(t, TaskCompleted, task.State)
	assert.Equal(t, 3, task.NAnswers, "consensus must not escalate redundancy")
	assert.Equal(t, int64(1), result.Version)
	assert.Equal(t, testTime, result.Created)
}

func TestAnalyseNoConsensusEscalates(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat"}`)
	store.addRun(taskID, "u2", `{"title": "a dog"}`)
	store.addRun(taskID, "u3", `{"title": "the rat"}`)

	analyst := newTestAnalyst(store, Options{})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	task := store.tasks[taskID]
	assert.Equal(t, TaskOngoing, task.State)
	assert.Equal(t, 4, task.NAnswers)

	// A result exists but carries no describing annotation yet.
	result := store.results[taskID]
	require.NotNil(t, result)
	assert.Empty(t, findByMotivation(result.Annotations, annotations.MotivationDescribing))
}

func TestAnalyseRegionConsensus(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeIIIF, RuleSet{Case: "lower"}, 3)
	store.addRun(taskID, "u1", `[{"motivation": "tagging", "tag": "Portrait", "region": "?xywh=100,100,50,50"}]`)
	store.addRun(taskID, "u2", `[{"motivation": "tagging", "tag": "portrait", "region": "?xywh=105,102,50,50"}]`)
	store.addRun(taskID, "u3", `[{"motivation": "tagging", "tag": "portrait", "region": "?xywh=98,99,52,50"}]`)

	analyst := newTestAnalyst(store, Options{})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	result := store.results[taskID]
	require.NotNil(t, result)
	tagging := findByMotivation(result.Annotations, annotations.MotivationTagging)
	require.Len(t, tagging, 1, "overlapping regions must merge into one annotation")

	ann := tagging[0]
	assert.Equal(t, "portrait", ann.Tag())
	require.NotNil(t, ann.Target.Selector)
	assert.Equal(t, "?xywh=98,99,57,53", ann.Target.Selector.Value)

	// No text fields at all: nothing left to disagree on, so the task closes.
	assert.Equal(t, TaskCompleted, store.tasks[taskID].State)
}

func TestAnalyseCuratedCarryForward(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat", "author": "smith"}`)
	store.addRun(taskID, "u2", `{"title": "the cat", "author": "smith"}`)
	store.addRun(taskID, "u3", `{"title": "the cat", "author": "smith"}`)

	target := annotations.Target{Source: "http://example.org/iiif/book1/canvas/p1"}
	curated := annotations.New(annotations.MotivationDescribing, target, testTime)
	curated.Body = []annotations.Body{
		{Type: "TextualBody", Purpose: "describing", Value: "The Cat (hand fixed)"},
		{Type: "TextualBody", Purpose: "tagging", Value: "title"},
	}
	curated.Modified = "2026-02-01T09:00:00Z"

	stale := annotations.New(annotations.MotivationDescribing, target, testTime)
	stale.Body = []annotations.Body{
		{Type: "TextualBody", Purpose: "describing", Value: "old author"},
		{Type: "TextualBody", Purpose: "tagging", Value: "author"},
	}

	store.results[taskID] = &Result{
		TaskID:      taskID,
		Annotations: []annotations.Annotation{curated, stale},
		Version:     1,
		Created:     testTime.Add(-time.Hour),
		Updated:     testTime.Add(-time.Hour),
	}

	service := &fakeService{}
	analyst := newTestAnalyst(store, Options{
		Service:       service,
		CollectionIRI: func(projectID string) string { return "http://anno.example.org/annotations/" + projectID + "/" },
	})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	result := store.results[taskID]
	describing := findByMotivation(result.Annotations, annotations.MotivationDescribing)
	require.Len(t, describing, 2)

	byTag := map[string]annotations.Annotation{}
	for _, ann := range describing {
		byTag[ann.Tag()] = ann
	}
	title, author := byTag["title"], byTag["author"]
	// The curated title survives verbatim; the author is recomputed.
	assert.Equal(t, "The Cat (hand fixed)", title.Value())
	assert.Equal(t, curated.ID, title.ID)
	assert.True(t, title.Curated())
	assert.Equal(t, "smith", author.Value())

	// The previous result's creation time survives the overwrite.
	assert.Equal(t, testTime.Add(-time.Hour), result.Created)
	assert.Equal(t, int64(2), result.Version)

	// Downstream: the stale author annotation is deleted and the new one
	// pushed; the curated annotation is left untouched.
	var deleted, created []string
	for _, call := range service.calls {
		switch call.op {
		case "delete":
			deleted = append(deleted, call.iri)
		case "create":
			created = append(created, call.iri)
			assert.Equal(t, "http://anno.example.org/annotations/proj-1/", call.collection)
		}
	}
	assert.Contains(t, deleted, stale.ID)
	assert.NotContains(t, deleted, curated.ID)
	assert.NotContains(t, created, curated.ID)
	assert.Contains(t, created, author.ID)
}

func TestAnalyseHasChildrenSkips(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat"}`)
	store.results[taskID] = &Result{TaskID: taskID, HasChildren: true, Version: 1}

	analyst := newTestAnalyst(store, Options{})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	// Nothing moved: result version and task state are untouched.
	assert.Equal(t, int64(1), store.results[taskID].Version)
	assert.Equal(t, TaskOngoing, store.tasks[taskID].State)
}

func TestAnalyseErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing task", func(t *testing.T) {
		analyst := newTestAnalyst(newMemStore(), Options{})
		err := analyst.Analyse(ctx, "nope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("no runs", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{}, 3)
		analyst := newTestAnalyst(store, Options{})
		err := analyst.Analyse(ctx, taskID)
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("missing template", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{}, 3)
		store.addRun(taskID, "u1", `{"title": "x"}`)
		delete(store.templates, "tmpl-1")
		analyst := newTestAnalyst(store, Options{})
		err := analyst.Analyse(ctx, taskID)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("malformed payload", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeIIIF, RuleSet{}, 3)
		store.addRun(taskID, "u1", `[{"motivation": "painting"}]`)
		analyst := newTestAnalyst(store, Options{})
		err := analyst.Analyse(ctx, taskID)
		assert.ErrorIs(t, err, ErrMalformedTarget)
	})
}

func TestAnalyseCommentsNotify(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat", "comments": "spine damaged"}`)
	store.addRun(taskID, "u2", `{"title": "the cat"}`)
	store.addRun(taskID, "u3", `{"title": "the cat"}`)

	notifier := &fakeNotifier{}
	analyst := newTestAnalyst(store, Options{Notifier: notifier})
	require.NoError(t, analyst.Analyse(context.Background(), taskID))

	result := store.results[taskID]
	comments := findByMotivation(result.Annotations, annotations.MotivationCommenting)
	require.Len(t, comments, 1)
	assert.Equal(t, "spine damaged", comments[0].Value())
	require.NotNil(t, comments[0].Creator)
	assert.Equal(t, "u1", comments[0].Creator.ID)

	require.Len(t, notifier.comments, 1)

	// A re-run sees the same comment in the previous result and stays quiet.
	require.NoError(t, analyst.Analyse(context.Background(), taskID))
	assert.Len(t, notifier.comments, 1)
}

func TestAnalyseAllSilent(t *testing.T) {
	store := newMemStore()
	taskID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(taskID, "u1", `{"title": "the cat", "comments": "spine damaged"}`)

	notifier := &fakeNotifier{}
	analyst := newTestAnalyst(store, Options{Notifier: notifier})
	require.NoError(t, analyst.AnalyseAll(context.Background(), "proj-1"))
	assert.Empty(t, notifier.comments, "bulk re-runs must not re-notify")
}

func TestAnalyseTargetRules(t *testing.T) {
	ctx := context.Background()

	t.Run("fragment on target becomes selector", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{}, 3)
		store.tasks[taskID].Target = "http://example.org/canvas/p1?xywh=10,10,80,40"
		store.addRun(taskID, "u1", `{"title": "the cat"}`)
		store.addRun(taskID, "u2", `{"title": "the cat"}`)
		store.addRun(taskID, "u3", `{"title": "the cat"}`)

		analyst := newTestAnalyst(store, Options{})
		require.NoError(t, analyst.Analyse(ctx, taskID))

		ann := findByMotivation(store.results[taskID].Annotations, annotations.MotivationDescribing)[0]
		assert.Equal(t, "http://example.org/canvas/p1", ann.Target.Source)
		require.NotNil(t, ann.Target.Selector)
		assert.Equal(t, "?xywh=10,10,80,40", ann.Target.Selector.Value)
	})

	t.Run("remove fragment selector", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{RemoveFragmentSelector: true}, 3)
		store.tasks[taskID].Target = "http://example.org/canvas/p1?xywh=10,10,80,40"
		store.addRun(taskID, "u1", `{"title": "the cat"}`)
		store.addRun(taskID, "u2", `{"title": "the cat"}`)
		store.addRun(taskID, "u3", `{"title": "the cat"}`)

		analyst := newTestAnalyst(store, Options{})
		require.NoError(t, analyst.Analyse(ctx, taskID))

		ann := findByMotivation(store.results[taskID].Annotations, annotations.MotivationDescribing)[0]
		assert.Equal(t, "http://example.org/canvas/p1", ann.Target.Source)
		assert.Nil(t, ann.Target.Selector)
	})

	t.Run("target from select parent", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{TargetFromSelectParent: true}, 3)
		store.tasks[taskID].ParentTarget = "http://example.org/canvas/p1?xywh=5,5,20,20"
		store.addRun(taskID, "u1", `{"title": "the cat"}`)
		store.addRun(taskID, "u2", `{"title": "the cat"}`)
		store.addRun(taskID, "u3", `{"title": "the cat"}`)

		analyst := newTestAnalyst(store, Options{})
		require.NoError(t, analyst.Analyse(ctx, taskID))

		ann := findByMotivation(store.results[taskID].Annotations, annotations.MotivationDescribing)[0]
		assert.Equal(t, "http://example.org/canvas/p1", ann.Target.Source)
		require.NotNil(t, ann.Target.Selector)
		assert.Equal(t, "?xywh=5,5,20,20", ann.Target.Selector.Value)
	})

	t.Run("missing parent target fails", func(t *testing.T) {
		store := newMemStore()
		taskID := store.seed(ModeZ3950, RuleSet{TargetFromSelectParent: true}, 3)
		store.addRun(taskID, "u1", `{"title": "the cat"}`)

		analyst := newTestAnalyst(store, Options{})
		assert.ErrorIs(t, analyst.Analyse(ctx, taskID), ErrMalformedTarget)
	})
}

func TestAnalyseAllIsolatesFailures(t *testing.T) {
	store := newMemStore()
	goodID := store.seed(ModeIIIF, RuleSet{}, 3)
	store.addRun(goodID, "u1", `[{"motivation": "describing", "tag": "title", "value": "the cat"}]`)
	store.addRun(goodID, "u2", `[{"motivation": "describing", "tag": "title", "value": "the cat"}]`)
	store.addRun(goodID, "u3", `[{"motivation": "describing", "tag": "title", "value": "the cat"}]`)

	bad := &Task{ID: "task-2", ProjectID: "proj-1", TemplateID: "tmpl-1", Target: "http://example.org/x", NAnswers: 3, State: TaskOngoing}
	store.tasks[bad.ID] = bad
	store.addRun(bad.ID, "u1", `[{"motivation": "painting"}]`)

	analyst := newTestAnalyst(store, Options{})
	err := analyst.AnalyseAll(context.Background(), "proj-1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "1 of 2 tasks failed"), err.Error())

	// The healthy sibling still produced its result.
	assert.NotNil(t, store.results[goodID])
	assert.Nil(t, store.results[bad.ID])
}

func TestAnalyseEmptyOnlyTargetsUnanalysed(t *testing.T) {
	store := newMemStore()
	doneID := store.seed(ModeZ3950, RuleSet{}, 3)
	store.addRun(doneID, "u1", `{"title": "the cat"}`)
	store.results[doneID] = &Result{TaskID: doneID, Version: 7}

	pending := &Task{ID: "task-2", ProjectID: "proj-1", TemplateID: "tmpl-1", Target: "http://example.org/x", NAnswers: 3, State: TaskOngoing}
	store.tasks[pending.ID] = pending
	store.addRun(pending.ID, "u1", `{"title": "the cat"}`)
	store.addRun(pending.ID, "u2", `{"title": "the cat"}`)
	store.addRun(pending.ID, "u3", `{"title": "the cat"}`)

	analyst := newTestAnalyst(store, Options{})
	require.NoError(t, analyst.AnalyseEmpty(context.Background(), "proj-1"))

	// Only the pending task was touched.
	assert.Equal(t, int64(7), store.results[doneID].Version)
	assert.NotNil(t, store.results[pending.ID])
}

// racingStore bumps the stored result version between the pass's read and its
// save, as a concurrent writer in another process would.
type racingStore struct {
	*memStore
	raced bool
}

func (s *racingStore) Result(ctx context.Context, taskID string) (*Result, error) {
	r, err := s.memStore.Result(ctx, taskID)
	if r != nil && !s.raced {
		s.raced = true
		s.results[taskID].Version++
	}
	return r, err
}

func TestAnalyseStaleResultConflict(t *testing.T) {
	mem := newMemStore()
	taskID := mem.seed(ModeZ3950, RuleSet{}, 3)
	mem.addRun(taskID, "u1", `{"title": "the cat"}`)
	mem.addRun(taskID, "u2", `{"title": "the cat"}`)
	mem.addRun(taskID, "u3", `{"title": "the cat"}`)
	mem.results[taskID] = &Result{TaskID: taskID, Version: 1}

	store := &racingStore{memStore: mem}
	analyst := New(store, store, store, Options{Clock: timeutil.NewMockClock(testTime)})

	err := analyst.Analyse(context.Background(), taskID)
	assert.ErrorIs(t, err, ErrResultConflict)

	// The concurrent writer's version survives untouched, and the losing pass
	// must not have advanced the task's redundancy state either.
	assert.Equal(t, int64(2), mem.results[taskID].Version)
	assert.Equal(t, TaskOngoing, mem.tasks[taskID].State)
	assert.Equal(t, 3, mem.tasks[taskID].NAnswers)
}
