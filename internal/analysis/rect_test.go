package analysis

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseXYWH(t *testing.T) {
	tests := []struct {
		in   string
		want Rect
	}{
		{"?xywh=1,2,3,4", Rect{1, 2, 3, 4}},
		{"xywh=1,2,3,4", Rect{1, 2, 3, 4}},
		{"1,2,3,4", Rect{1, 2, 3, 4}},
		{"1.4, 2.5, 3.49, 4.51", Rect{1, 3, 3, 5}},
	}
	for _, tt := range tests {
		got, err := ParseXYWH(tt.in)
		if err != nil {
			t.Errorf("ParseXYWH(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseXYWH(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseXYWHErrors(t *testing.T) {
	for _, in := range []string{"", "1,2,3", "1,2,3,4,5", "a,b,c,d", "?xywh=1,2,three,4"} {
		_, err := ParseXYWH(in)
		if !errors.Is(err, ErrMalformedTarget) {
			t.Errorf("ParseXYWH(%q) error = %v, want ErrMalformedTarget", in, err)
		}
	}
}

func TestXYWHRoundTrip(t *testing.T) {
	r := Rect{X: 10, Y: 20, W: 30, H: 40}
	parsed, err := ParseXYWH(r.XYWH())
	if err != nil {
		t.Fatalf("ParseXYWH failed: %v", err)
	}
	if parsed != r {
		t.Errorf("round trip = %+v, want %+v", parsed, r)
	}
}

func TestOverlapRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want float64
	}{
		{"identical", Rect{0, 0, 10, 10}, Rect{0, 0, 10, 10}, 1},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 5, 5}, 0},
		{"touching edges", Rect{0, 0, 10, 10}, Rect{10, 0, 10, 10}, 0},
		{"half offset", Rect{0, 0, 4, 4}, Rect{2, 0, 4, 4}, 1.0 / 3.0},
		{"contained", Rect{0, 0, 10, 10}, Rect{2, 2, 5, 5}, 0.25},
		{"both degenerate", Rect{0, 0, 0, 0}, Rect{0, 0, 0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OverlapRatio(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("OverlapRatio(%+v, %+v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Symmetric.
			if rev := OverlapRatio(tt.b, tt.a); rev != got {
				t.Errorf("OverlapRatio not symmetric: %v vs %v", got, rev)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	got := Merge(Rect{0, 0, 4, 4}, Rect{2, 2, 4, 4})
	want := Rect{X: 0, Y: 0, W: 6, H: 6}
	if got != want {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
}

func TestClusterAllOverlapping(t *testing.T) {
	rects := []Rect{
		{0, 0, 100, 100},
		{5, 5, 100, 100},
		{10, 0, 100, 100},
	}
	got := Cluster(rects, DefaultMergeThreshold)
	want := []Rect{{0, 0, 110, 105}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Cluster mismatch (-want +got):\n%s", diff)
	}
}

func TestClusterDisjoint(t *testing.T) {
	rects := []Rect{
		{0, 0, 10, 10},
		{100, 100, 10, 10},
		{200, 200, 10, 10},
	}
	got := Cluster(rects, DefaultMergeThreshold)
	if diff := cmp.Diff(rects, got); diff != "" {
		t.Errorf("Cluster mismatch (-want +got):\n%s", diff)
	}
}

func TestClusterThresholdIsStrict(t *testing.T) {
	// Exactly 50% overlap does not merge at the default threshold.
	a := Rect{0, 0, 10, 10}
	b := Rect{0, 0, 10, 20}
	if got := OverlapRatio(a, b); got != 0.5 {
		t.Fatalf("overlap = %v, want exactly 0.5", got)
	}
	if got := Cluster([]Rect{a, b}, DefaultMergeThreshold); len(got) != 2 {
		t.Errorf("Cluster merged at exactly the threshold: %+v", got)
	}
}

// An incoming rectangle that overlaps two existing clusters is absorbed by
// both; the clusters themselves stay separate.
func TestClusterIndependentAbsorption(t *testing.T) {
	rects := []Rect{
		{0, 0, 10, 100},  // cluster 1
		{12, 0, 10, 100}, // cluster 2 (disjoint from 1)
		{0, 0, 22, 100},  // spans both above threshold
	}
	got := Cluster(rects, 0.4)
	want := []Rect{
		{0, 0, 22, 100},
		{0, 0, 22, 100},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Cluster mismatch (-want +got):\n%s", diff)
	}
}

func TestClusterEmpty(t *testing.T) {
	if got := Cluster(nil, DefaultMergeThreshold); got != nil {
		t.Errorf("Cluster(nil) = %+v, want nil", got)
	}
}
