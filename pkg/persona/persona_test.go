package persona

import (
	"strings"
	"testing"
)

func TestPrompt_FallsBackToDefault(t *testing.T) {
	def := Prompt(DefaultName)
	if def == "" {
		t.Fatalf("default persona must not be empty")
	}
	if got := Prompt(""); got != def {
		t.Fatalf("empty selector should fall back to default")
	}
	if got := Prompt("no_such_persona"); got != def {
		t.Fatalf("unknown selector should fall back to default")
	}
}

func TestPrompt_SelectorIsCaseInsensitive(t *testing.T) {
	want := Prompt("dungeon_master")
	if got := Prompt("  Dungeon_Master "); got != want {
		t.Fatalf("selector should be trimmed and lowercased")
	}
	if !strings.Contains(want, "Dungeon Master") {
		t.Fatalf("unexpected dungeon_master prompt: %q", want)
	}
}

func TestNames_SortedAndIncludesDefault(t *testing.T) {
	names := Names()
	if len(names) < 2 {
		t.Fatalf("expected multiple personas, got %v", names)
	}
	foundDefault := false
	for i, name := range names {
		if name == DefaultName {
			foundDefault = true
		}
		if i > 0 && names[i-1] > name {
			t.Fatalf("names not sorted: %v", names)
		}
		if !Known(name) {
			t.Fatalf("Names returned unknown persona %q", name)
		}
	}
	if !foundDefault {
		t.Fatalf("default persona missing from %v", names)
	}
}
