// Package annotations defines the annotation model produced by the consensus
// engine and a client for the remote annotation collection service.
//
// The model follows the shape of W3C Web Annotations closely enough that the
// stored JSON can be pushed to an annotation server unchanged, but it is not a
// complete implementation of the wire format.
package annotations

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Motivations recognised by the engine.
const (
	MotivationDescribing = "describing"
	MotivationTagging    = "tagging"
	MotivationCommenting = "commenting"
)

// Target identifies what an annotation is about: either a whole resource
// (Source only) or a rectangular fragment of it (Source plus Selector).
type Target struct {
	Source   string            `json:"source"`
	Selector *FragmentSelector `json:"selector,omitempty"`
}

// FragmentSelector restricts a target to a media fragment, e.g. "?xywh=1,2,3,4".
type FragmentSelector struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// NewFragmentSelector returns a selector for the given media fragment string.
func NewFragmentSelector(value string) *FragmentSelector {
	return &FragmentSelector{Type: "FragmentSelector", Value: value}
}

// MarshalJSON encodes a bare target as a plain IRI string and a fragment
// target as an object, matching how annotation servers expect them.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.Selector == nil {
		return json.Marshal(t.Source)
	}
	type target Target // drop methods to avoid recursion
	return json.Marshal(target(t))
}

// UnmarshalJSON accepts both the string and the object encoding.
func (t *Target) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		t.Selector = nil
		return json.Unmarshal(trimmed, &t.Source)
	}
	type target Target
	var v target
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("failed to parse annotation target: %w", err)
	}
	*t = Target(v)
	return nil
}

// Body is one typed fragment of an annotation body. Purpose mirrors the
// annotation's motivation for single-body annotations; describing annotations
// carry an extra tagging body naming the field the value belongs to.
type Body struct {
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
	Value   string `json:"value"`
	Format  string `json:"format,omitempty"`
}

// Agent identifies the creator of an annotation.
type Agent struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// Annotation is one typed fact derived from consensus: a described value, a
// tagged region, or a worker comment.
type Annotation struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Motivation string `json:"motivation"`
	Target     Target `json:"target"`
	Body       []Body `json:"body"`
	Creator    *Agent `json:"creator,omitempty"`
	Created    string `json:"created"`
	// Modified is set only when an operator hand-edited the annotation after
	// aggregation. A non-empty value marks the annotation as curated: later
	// passes carry it forward verbatim instead of recomputing it.
	Modified string `json:"modified,omitempty"`
}

// New returns an annotation with a fresh ID and the given creation time.
func New(motivation string, target Target, created time.Time) Annotation {
	return Annotation{
		ID:         uuid.New().String(),
		Type:       "Annotation",
		Motivation: motivation,
		Target:     target,
		Created:    created.UTC().Format(time.RFC3339),
	}
}

// Curated reports whether the annotation was hand-edited by an operator.
func (a *Annotation) Curated() bool {
	return a.Modified != ""
}

// Tag returns the value of the tagging body, or "" if there is none.
func (a *Annotation) Tag() string {
	for _, b := range a.Body {
		if b.Purpose == "tagging" {
			return b.Value
		}
	}
	return ""
}

// Value returns the first non-tagging body value, or "" if there is none.
// For describing annotations this is the transcribed value; for comments the
// comment text.
func (a *Annotation) Value() string {
	for _, b := range a.Body {
		if b.Purpose != "tagging" {
			return b.Value
		}
	}
	return ""
}
