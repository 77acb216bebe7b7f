package analysis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultMergeThreshold is the overlap ratio above which two selection
// rectangles are considered the same region and merged.
const DefaultMergeThreshold = 0.5

// Rect is an axis-aligned selection region. Coordinates are integral: they
// are rounded to the nearest integer on parse and stay integral through every
// merge, so cluster boundaries are always whole pixels.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ParseXYWH parses the compact media-fragment encoding "?xywh=x,y,w,h"
// (the leading "?" and the "xywh=" prefix are both optional) into a Rect,
// rounding fractional coordinates to the nearest integer.
func ParseXYWH(s string) (Rect, error) {
	frag := strings.TrimPrefix(strings.TrimPrefix(s, "?"), "xywh=")
	parts := strings.Split(frag, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("%w: region %q is not x,y,w,h", ErrMalformedTarget, s)
	}

	vals := make([]int, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, fmt.Errorf("%w: region %q has non-numeric coordinate %q", ErrMalformedTarget, s, p)
		}
		vals[i] = int(math.Round(f))
	}
	return Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}

// XYWH serialises the rectangle back to its media-fragment encoding.
func (r Rect) XYWH() string {
	return fmt.Sprintf("?xywh=%d,%d,%d,%d", r.X, r.Y, r.W, r.H)
}

// OverlapRatio returns the intersection-over-union of two rectangles in
// [0,1]. Degenerate rectangles with zero union area yield 0.
func OverlapRatio(a, b Rect) float64 {
	ix := min(a.X+a.W, b.X+b.W) - max(a.X, b.X)
	iy := min(a.Y+a.H, b.Y+b.H) - max(a.Y, b.Y)
	if ix < 0 {
		ix = 0
	}
	if iy < 0 {
		iy = 0
	}
	inter := ix * iy
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Merge returns the bounding box of two rectangles.
func Merge(a, b Rect) Rect {
	x := min(a.X, b.X)
	y := min(a.Y, b.Y)
	return Rect{
		X: x,
		Y: y,
		W: max(a.X+a.W, b.X+b.W) - x,
		H: max(a.Y+a.H, b.Y+b.H) - y,
	}
}

// Cluster reduces a set of selection rectangles to consensus regions with a
// greedy single pass: each rectangle is compared against every cluster
// representative so far, and every representative it overlaps above the
// threshold absorbs it independently. Clusters are never merged with each
// other within a pass, only with the incoming rectangle. A rectangle that
// matches nothing opens a new cluster.
//
// O(n*k) with k clusters so far, which is fine at per-task cardinalities
// (bounded by the redundancy count).
func Cluster(rects []Rect, threshold float64) []Rect {
	var clusters []Rect
	for _, r := range rects {
		matched := false
		for i := range clusters {
			if OverlapRatio(clusters[i], r) > threshold {
				clusters[i] = Merge(clusters[i], r)
				matched = true
			}
		}
		if !matched {
			clusters = append(clusters, r)
		}
	}
	return clusters
}
