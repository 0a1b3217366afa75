package clock

import (
	"math"
	"testing"

	"github.com/kittclouds/loom/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore()
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	root := &store.Branch{ID: store.RootBranchID, Name: "main", ForkOffset: store.ForkOffsetNone}
	if err := s.CreateBranch(root); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	return s
}

func TestGet_DefaultsToDayZero(t *testing.T) {
	svc := NewService(newTestStore(t))

	c, err := svc.Get("main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.WorldDay != 0 {
		t.Errorf("fresh branch worldDay = %v, want 0", c.WorldDay)
	}
}

func TestAdvance_AccumulatesAndIgnoresNonPositive(t *testing.T) {
	svc := NewService(newTestStore(t))

	if _, err := svc.Advance("main", 3); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	day, err := svc.Advance("main", 0.5)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if day != 3.5 {
		t.Errorf("worldDay = %v, want 3.5", day)
	}

	day, err = svc.Advance("main", -2)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if day != 3.5 {
		t.Errorf("negative advance changed worldDay to %v, want 3.5", day)
	}
	day, _ = svc.Advance("main", 0)
	if day != 3.5 {
		t.Errorf("zero advance changed worldDay to %v, want 3.5", day)
	}
}

func TestCopy_SkipsDayZeroSource(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s)

	child := &store.Branch{ID: "b1", Name: "b1", ParentID: "main", ForkOffset: 0}
	if err := s.CreateBranch(child); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if err := svc.Set("b1", 7); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// main is at day 0; copying it onto b1 must not reset b1
	if err := svc.Copy("main", "b1"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	c, _ := svc.Get("b1")
	if c.WorldDay != 7 {
		t.Errorf("copy from day-0 source overwrote target: worldDay = %v, want 7", c.WorldDay)
	}

	// A moved clock copies normally
	if err := svc.Copy("b1", "main"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	c, _ = svc.Get("main")
	if c.WorldDay != 7 {
		t.Errorf("worldDay = %v, want 7", c.WorldDay)
	}
}

func TestParseTag(t *testing.T) {
	cases := []struct {
		body string
		want float64
	}{
		{"days:3", 3},
		{"days: 2.5", 2.5},
		{"hours:12", 0.5},
		{"hours: 6", 0.25},
		{"fortnights:1", 0},
		{"days:abc", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := ParseTag(tc.body); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("ParseTag(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}
