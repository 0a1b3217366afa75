package match

import "testing"

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"iron sword", "ironsword"},
		{"定界珠（生）", "定界珠(生)"},
		{"死生之刃・日耀", "死生之刃·日耀"},
		{"long-sword", "long—sword"},
		{"ＨＰ", "HP"},
		{"魂器　一式", "魂器一式"},
		{"soul–blade", "soul—blade"},
	}
	for _, c := range cases {
		if got := NormalizeKey(c.in); got != c.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBaseName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"blade — sealed", "blade"},
		{"blade (rusty)", "blade"},
		{"blade（rusty）", "blade"},
		{"blade x3", "blade"},
		{"blade (worn) x2", "blade"},
		{"charm×5", "charm"},
		{"plain ring", "plain ring"},
	}
	for _, c := range cases {
		if got := BaseName(c.in); got != c.want {
			t.Errorf("BaseName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseItem(t *testing.T) {
	cases := []struct {
		in, base, qualifier string
	}{
		{"mirror — seals lesser spirits", "mirror", "seals lesser spirits"},
		{"charm×5", "charm", "×5"},
		{"blade（reinforced）", "blade", "reinforced"},
		{"blade (reinforced)", "blade", "reinforced"},
		{"ring", "ring", ""},
	}
	for _, c := range cases {
		base, qualifier := ParseItem(c.in)
		if base != c.base || qualifier != c.qualifier {
			t.Errorf("ParseItem(%q) = (%q, %q), want (%q, %q)", c.in, base, qualifier, c.base, c.qualifier)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Monkey D. Luffy!", "monkey d. luffy"},
		{"O’Brien", "o'brien"},
		{"Jean–Luc,  Picard", "jean-luc picard"},
		{"ＡＢＣ１２３", "abc123"},
		{"  spaced   out  ", "spaced out"},
		{"死生之刃・日耀", "死生之刃·日耀"},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in); got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// =============================================================================
// Matcher
// =============================================================================

func compileTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := Compile([]Term{
		{Key: "iron sword", Label: "Iron Sword", Category: "inventory"},
		{Key: "fireball", Label: "Fireball", Category: "ability"},
		{Key: "npc_mira_thorn", Label: "Mira Thorn", Category: "npc"},
		{Key: "鎮魂符", Label: "鎮魂符", Category: "inventory"},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return m
}

func TestMatcherKeys(t *testing.T) {
	m := compileTestMatcher(t)

	keys := m.Keys("Mira draws the iron sword and casts Fireball.")
	want := []string{"npc_mira_thorn", "iron sword", "fireball"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestMatcherNPCShortForms(t *testing.T) {
	m := compileTestMatcher(t)

	// Last name alone still resolves
	keys := m.Keys("Thorn watches from the doorway.")
	if len(keys) != 1 || keys[0] != "npc_mira_thorn" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestMatcherWordBoundary(t *testing.T) {
	m, err := Compile([]Term{{Key: "axe", Label: "axe", Category: "inventory"}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if hits := m.Scan("her flaxen hair"); len(hits) != 0 {
		t.Errorf("Matched inside a word: %+v", hits)
	}
	if hits := m.Scan("an axe leans on the wall"); len(hits) != 1 {
		t.Errorf("Missed a clean mention: %+v", hits)
	}
}

func TestMatcherCJKQuantity(t *testing.T) {
	m := compileTestMatcher(t)

	// Quantity markers separate from the name during canonicalization
	keys := m.Keys("背包裡有鎮魂符×5")
	found := false
	for _, k := range keys {
		if k == "鎮魂符" {
			found = true
		}
	}
	if !found {
		t.Errorf("CJK item with quantity suffix not matched: %v", keys)
	}
}

func TestMatcherKnown(t *testing.T) {
	m := compileTestMatcher(t)

	if !m.Known("IRON SWORD") {
		t.Error("Known should fold case")
	}
	if m.Known("bronze sword") {
		t.Error("Unknown surface reported as known")
	}
}

func TestMatcherEmpty(t *testing.T) {
	m, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile(nil) failed: %v", err)
	}
	if hits := m.Scan("anything at all"); hits != nil {
		t.Errorf("Empty matcher produced hits: %+v", hits)
	}
	if m.Known("anything") {
		t.Error("Empty matcher knows things")
	}
}
