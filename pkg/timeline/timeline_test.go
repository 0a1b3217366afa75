package timeline

import (
	"errors"
	"sort"
	"testing"

	"github.com/kittclouds/loom/internal/store"
)

// memSource is an in-memory Source for composer tests.
type memSource struct {
	branches map[string]*store.Branch
	logs     map[string][]*store.Message
}

func newMemSource() *memSource {
	return &memSource{
		branches: make(map[string]*store.Branch),
		logs:     make(map[string][]*store.Message),
	}
}

func (m *memSource) addBranch(b *store.Branch) *store.Branch {
	if b.CreatedAt == 0 {
		b.CreatedAt = int64(1000 + len(m.branches))
	}
	m.branches[b.ID] = b
	return b
}

func (m *memSource) addMessages(branchID string, startIndex int, contents ...string) {
	for i, c := range contents {
		m.logs[branchID] = append(m.logs[branchID], &store.Message{
			BranchID: branchID,
			Index:    startIndex + i,
			Role:     store.RolePlayer,
			Content:  c,
		})
	}
}

func (m *memSource) GetBranch(id string) (*store.Branch, error) {
	b, ok := m.branches[id]
	if !ok {
		return nil, store.ErrBranchNotFound
	}
	return b, nil
}

func (m *memSource) ListBranches() ([]*store.Branch, error) {
	out := make([]*store.Branch, 0, len(m.branches))
	for _, b := range m.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memSource) MessagesFor(branchID string) ([]*store.Message, error) {
	return m.logs[branchID], nil
}

func (m *memSource) LastIndex(branchID string) (int, error) {
	last := -1
	for _, msg := range m.logs[branchID] {
		if msg.Index > last {
			last = msg.Index
		}
	}
	return last, nil
}

func (m *memSource) CountMessages(branchID string) (int, error) {
	return len(m.logs[branchID]), nil
}

func indices(msgs []*store.Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.Index
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Composition
// =============================================================================

func TestCompose_LinearInheritance(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addBranch(&store.Branch{ID: "b1", Name: "fork", ParentID: store.RootBranchID, ForkOffset: 2})
	src.addMessages(store.RootBranchID, 0, "m0", "m1", "m2", "m3", "m4")
	src.addMessages("b1", 3, "alt3", "alt4")

	msgs, err := Compose(src, "b1")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !equalInts(indices(msgs), []int{0, 1, 2, 3, 4}) {
		t.Fatalf("Composed indices = %v", indices(msgs))
	}
	for i := 0; i <= 2; i++ {
		if msgs[i].BranchID != store.RootBranchID {
			t.Errorf("Message %d owner = %q, want root", i, msgs[i].BranchID)
		}
	}
	for i := 3; i <= 4; i++ {
		if msgs[i].BranchID != "b1" {
			t.Errorf("Message %d owner = %q, want b1", i, msgs[i].BranchID)
		}
	}
	if msgs[3].Content != "alt3" {
		t.Errorf("Divergent message content = %q", msgs[3].Content)
	}
}

func TestCompose_NestedForks(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addBranch(&store.Branch{ID: "b1", Name: "first", ParentID: store.RootBranchID, ForkOffset: 3})
	src.addBranch(&store.Branch{ID: "b2", Name: "second", ParentID: "b1", ForkOffset: 5})
	src.addMessages(store.RootBranchID, 0, "m0", "m1", "m2", "m3", "m4", "m5")
	src.addMessages("b1", 4, "b1-4", "b1-5", "b1-6")
	src.addMessages("b2", 6, "b2-6", "b2-7")

	msgs, report, err := ComposeWithReport(src, "b2")
	if err != nil {
		t.Fatalf("ComposeWithReport failed: %v", err)
	}
	if !equalInts(indices(msgs), []int{0, 1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("Composed indices = %v", indices(msgs))
	}
	if msgs[4].Content != "b1-4" || msgs[6].Content != "b2-6" {
		t.Errorf("Wrong layering: [4]=%q [6]=%q", msgs[4].Content, msgs[6].Content)
	}
	wantChain := []string{store.RootBranchID, "b1", "b2"}
	if len(report.Chain) != 3 {
		t.Fatalf("Chain = %v", report.Chain)
	}
	for i, id := range wantChain {
		if report.Chain[i] != id {
			t.Errorf("Chain[%d] = %q, want %q", i, report.Chain[i], id)
		}
	}
}

func TestCompose_BlankBranchInheritsNothing(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addBranch(&store.Branch{ID: "b_blank", Name: "blank", ParentID: store.RootBranchID, ForkOffset: store.ForkOffsetNone, Blank: true})
	src.addMessages(store.RootBranchID, 0, "m0", "m1", "m2")
	src.addMessages("b_blank", 0, "fresh0", "fresh1")

	msgs, err := Compose(src, "b_blank")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if !equalInts(indices(msgs), []int{0, 1}) {
		t.Fatalf("Blank branch indices = %v", indices(msgs))
	}
	if msgs[0].Content != "fresh0" {
		t.Errorf("Blank branch inherited content: %q", msgs[0].Content)
	}
}

func TestCompose_UnknownBranchFallsBackToRoot(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addMessages(store.RootBranchID, 0, "m0", "m1")

	msgs, report, err := ComposeWithReport(src, "nope")
	if err != nil {
		t.Fatalf("ComposeWithReport failed: %v", err)
	}
	if !report.UnknownBranch {
		t.Error("Expected UnknownBranch on the report")
	}
	if len(msgs) != 2 || msgs[0].BranchID != store.RootBranchID {
		t.Errorf("Fallback timeline = %v", indices(msgs))
	}
}

func TestCompose_MissingParentTruncatesChain(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: "b1", Name: "orphaned", ParentID: "ghost", ForkOffset: 4})
	src.addMessages("b1", 5, "b1-5", "b1-6")

	msgs, report, err := ComposeWithReport(src, "b1")
	if err != nil {
		t.Fatalf("Missing parent must not be fatal: %v", err)
	}
	if report.MissingParent != "ghost" {
		t.Errorf("MissingParent = %q", report.MissingParent)
	}
	if !equalInts(indices(msgs), []int{5, 6}) {
		t.Errorf("Partial timeline = %v", indices(msgs))
	}
	if len(report.Chain) != 1 || report.Chain[0] != "b1" {
		t.Errorf("Chain = %v", report.Chain)
	}
}

func TestCompose_CycleReturnsPrefixAndError(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: "a", Name: "a", ParentID: "b", ForkOffset: 1})
	src.addBranch(&store.Branch{ID: "b", Name: "b", ParentID: "a", ForkOffset: 1})
	src.addMessages("a", 2, "a-2")
	src.addMessages("b", 2, "b-2")

	msgs, report, err := ComposeWithReport(src, "a")
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Expected ErrCycle, got %v", err)
	}
	if !report.Cycle {
		t.Error("Expected Cycle on the report")
	}
	if msgs == nil {
		t.Error("Expected the acyclic prefix alongside the error")
	}
}

// =============================================================================
// Sibling detection
// =============================================================================

func buildTree(t *testing.T) *memSource {
	t.Helper()
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addBranch(&store.Branch{ID: "b1", Name: "first try", ParentID: store.RootBranchID, ForkOffset: 2})
	src.addBranch(&store.Branch{ID: "b2", Name: "second try", ParentID: store.RootBranchID, ForkOffset: 2})
	src.addBranch(&store.Branch{ID: "b3", Name: "orphan", ParentID: store.RootBranchID, ForkOffset: 2})
	src.addMessages(store.RootBranchID, 0, "m0", "m1", "m2", "m3", "m4", "m5")
	src.addMessages("b1", 3, "b1-3", "b1-4")
	src.addMessages("b2", 3, "b2-3")
	// b3 has no messages: an interrupted stream left it empty
	return src
}

func TestResolveSiblingParent(t *testing.T) {
	byID := map[string]*store.Branch{
		store.RootBranchID: {ID: store.RootBranchID, ForkOffset: store.ForkOffsetNone},
		"b1":               {ID: "b1", ParentID: store.RootBranchID, ForkOffset: 2},
		"b2":               {ID: "b2", ParentID: "b1", ForkOffset: 5},
	}

	// Past the parent's own fork point: stays a child
	if got := ResolveSiblingParent(byID, "b2", 7); got != "b2" {
		t.Errorf("offset 7 -> %q, want b2", got)
	}
	// At the parent's fork point: hops to the grandparent
	if got := ResolveSiblingParent(byID, "b2", 5); got != "b1" {
		t.Errorf("offset 5 -> %q, want b1", got)
	}
	// Before every ancestor's fork point: lands on the root
	if got := ResolveSiblingParent(byID, "b2", 2); got != store.RootBranchID {
		t.Errorf("offset 2 -> %q, want root", got)
	}
}

func TestForkPoints(t *testing.T) {
	src := buildTree(t)
	src.addBranch(&store.Branch{ID: "c1", Name: "deep", ParentID: "b1", ForkOffset: 4})
	src.addMessages("c1", 5, "c1-5")
	src.addBranch(&store.Branch{ID: "dead", Name: "deleted", ParentID: store.RootBranchID, ForkOffset: 3, Deleted: true})

	points, err := ForkPoints(src, "b1")
	if err != nil {
		t.Fatalf("ForkPoints failed: %v", err)
	}

	// Viewed branch excluded; deleted sibling excluded; empty sibling still
	// listed (fork points do not require a non-empty delta)
	at2 := points[2]
	if len(at2) != 2 {
		t.Fatalf("Fork point at 2 has %d children: %+v", len(at2), at2)
	}
	ids := map[string]bool{}
	for _, c := range at2 {
		ids[c.BranchID] = true
	}
	if ids["b1"] || !ids["b2"] || !ids["b3"] {
		t.Errorf("Fork point children wrong: %+v", at2)
	}

	if len(points[4]) != 1 || points[4][0].BranchID != "c1" {
		t.Errorf("Fork point at 4 = %+v", points[4])
	}
	if len(points[3]) != 0 {
		t.Errorf("Deleted child leaked into fork points: %+v", points[3])
	}
}

func TestSiblingGroups(t *testing.T) {
	src := buildTree(t)

	groups, err := SiblingGroups(src, "b1")
	if err != nil {
		t.Fatalf("SiblingGroups failed: %v", err)
	}

	g := groups[3]
	if g == nil {
		t.Fatalf("Expected a group at position 3, got %v", groups)
	}
	if g.Total != 3 || len(g.Variants) != 3 {
		t.Fatalf("Group variants = %+v", g.Variants)
	}

	// Order: parent continuation first, then children by creation time.
	// The orphan b3 never appears.
	if g.Variants[0].BranchID != store.RootBranchID || g.Variants[0].Current {
		t.Errorf("Parent variant = %+v", g.Variants[0])
	}
	if g.Variants[1].BranchID != "b1" || !g.Variants[1].Current {
		t.Errorf("Viewed variant = %+v", g.Variants[1])
	}
	if g.Variants[2].BranchID != "b2" || g.Variants[2].Current {
		t.Errorf("Sibling variant = %+v", g.Variants[2])
	}
	if g.Current != 2 {
		t.Errorf("Current = %d, want 2", g.Current)
	}
}

func TestSiblingGroups_RequireTwoVariants(t *testing.T) {
	src := newMemSource()
	src.addBranch(&store.Branch{ID: store.RootBranchID, Name: "Main", ForkOffset: store.ForkOffsetNone})
	src.addBranch(&store.Branch{ID: "b1", Name: "lone", ParentID: store.RootBranchID, ForkOffset: 5})
	src.addMessages(store.RootBranchID, 0, "m0", "m1", "m2", "m3", "m4", "m5")
	src.addMessages("b1", 6, "b1-6")

	// Parent has nothing past offset 5, so the lone child is the only
	// variant and no group forms
	groups, err := SiblingGroups(src, "b1")
	if err != nil {
		t.Fatalf("SiblingGroups failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("Expected no groups, got %v", groups)
	}
}

func TestSiblingGroups_ParentContinuationCurrent(t *testing.T) {
	src := buildTree(t)

	// Viewed from the root, the root's continuation is the current path
	groups, err := SiblingGroups(src, store.RootBranchID)
	if err != nil {
		t.Fatalf("SiblingGroups failed: %v", err)
	}
	g := groups[3]
	if g == nil {
		t.Fatalf("Expected a group at position 3, got %v", groups)
	}
	if !g.Variants[0].Current || g.Current != 1 {
		t.Errorf("Root continuation should be current: %+v (current=%d)", g.Variants[0], g.Current)
	}
}

func TestSiblingGroups_ExcludedFlags(t *testing.T) {
	src := buildTree(t)
	// Flags exclude regardless of which one is set
	src.branches["b2"].Merged = true

	groups, err := SiblingGroups(src, "b1")
	if err != nil {
		t.Fatalf("SiblingGroups failed: %v", err)
	}
	// Parent continuation + b1 still form a pair
	g := groups[3]
	if g == nil {
		t.Fatalf("Expected a group at position 3, got %v", groups)
	}
	for _, v := range g.Variants {
		if v.BranchID == "b2" {
			t.Errorf("Merged sibling leaked into group: %+v", g.Variants)
		}
	}
}
