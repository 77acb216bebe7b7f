package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RegionTag is one user-drawn rectangle labelled with a tag.
type RegionTag struct {
	Tag  string
	Rect Rect
}

// Contribution is a task run's payload resolved into the engine's three
// independent channels: free-text comments (never voted on), region taggings
// (clustered, not voted on) and text fields (normalised then voted on).
// Resolving the payload once at the boundary keeps the rest of the pass free
// of per-presenter shape checks.
type Contribution struct {
	RunID      string
	UserID     string
	Comments   []string
	Fields     map[string]string
	FieldOrder []string
	Regions    []RegionTag
}

// iiifItem is one element of an iiif-annotate run payload.
type iiifItem struct {
	Motivation string `json:"motivation"`
	Tag        string `json:"tag,omitempty"`
	Value      string `json:"value,omitempty"`
	// Region is the media-fragment encoding of the selected rectangle,
	// required for tagging items.
	Region string `json:"region,omitempty"`
}

// ParseContribution decodes a run's info payload according to the template
// mode. Structural problems (unknown motivation, unparseable region, invalid
// JSON) wrap ErrMalformedTarget: the pass aborts rather than guess.
func ParseContribution(mode string, run TaskRun) (*Contribution, error) {
	c := &Contribution{
		RunID:  run.ID,
		UserID: run.UserID,
		Fields: make(map[string]string),
	}
	if len(run.Info) == 0 {
		return c, nil
	}

	switch mode {
	case ModeIIIF:
		if err := parseIIIF(run, c); err != nil {
			return nil, err
		}
	case ModeZ3950:
		if err := parseZ3950(run, c); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown presenter mode %q", ErrConfiguration, mode)
	}
	return c, nil
}

func parseIIIF(run TaskRun, c *Contribution) error {
	var items []iiifItem
	if err := json.Unmarshal(run.Info, &items); err != nil {
		return fmt.Errorf("%w: task run %s payload: %v", ErrMalformedTarget, run.ID, err)
	}
	for _, item := range items {
		switch item.Motivation {
		case "commenting":
			if item.Value != "" {
				c.Comments = append(c.Comments, item.Value)
			}
		case "tagging":
			if item.Tag == "" {
				return fmt.Errorf("%w: task run %s has an untagged region", ErrMalformedTarget, run.ID)
			}
			rect, err := ParseXYWH(item.Region)
			if err != nil {
				return fmt.Errorf("task run %s: %w", run.ID, err)
			}
			c.Regions = append(c.Regions, RegionTag{Tag: item.Tag, Rect: rect})
		case "describing":
			if item.Tag == "" {
				return fmt.Errorf("%w: task run %s has an untagged value", ErrMalformedTarget, run.ID)
			}
			c.addField(item.Tag, item.Value)
		default:
			return fmt.Errorf("%w: task run %s has unsupported motivation %q", ErrMalformedTarget, run.ID, item.Motivation)
		}
	}
	return nil
}

// parseZ3950 reads the flat field->value payload of a bibliographic lookup
// run. The "comments" field is the comment channel; everything else is a text
// field. Fields are ordered by name so passes are deterministic regardless of
// JSON map ordering.
func parseZ3950(run TaskRun, c *Contribution) error {
	var fields map[string]any
	if err := json.Unmarshal(run.Info, &fields); err != nil {
		return fmt.Errorf("%w: task run %s payload: %v", ErrMalformedTarget, run.ID, err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := fields[k].(string)
		if !ok {
			return fmt.Errorf("%w: task run %s field %q is not a string", ErrMalformedTarget, run.ID, k)
		}
		if k == "comments" {
			if v != "" {
				c.Comments = append(c.Comments, v)
			}
			continue
		}
		c.addField(k, v)
	}
	return nil
}

func (c *Contribution) addField(tag, value string) {
	if _, ok := c.Fields[tag]; !ok {
		c.FieldOrder = append(c.FieldOrder, tag)
	}
	c.Fields[tag] = value
}
