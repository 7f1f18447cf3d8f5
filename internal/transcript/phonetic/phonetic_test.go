package phonetic_test

import (
	"testing"

	"github.com/mawwalker/moss/internal/transcript/phonetic"
)

func TestMatcher_Similar(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	tests := []struct {
		name   string
		heard  string
		phrase string
		want   bool
	}{
		{"exact", "hey moss", "hey moss", true},
		{"case and spacing", "  Hey Moss ", "hey moss", true},
		{"dropped letter", "hey mos", "hey moss", true},
		{"unrelated word", "hello", "hey moss", false},
		{"different word same start", "mossberg shotguns", "hey moss", false},
		{"chinese exact", "你好小莫", "你好小莫", true},
		{"chinese one homophone off", "你好小摸", "你好小莫", true},
		{"chinese unrelated", "今天天气", "你好小莫", false},
		{"empty heard", "", "hey moss", false},
		{"empty phrase", "hey moss", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score, ok := m.Similar(tt.heard, tt.phrase)
			if ok != tt.want {
				t.Errorf("Similar(%q, %q) = %.3f, %v; want ok=%v", tt.heard, tt.phrase, score, ok, tt.want)
			}
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	phrases := []string{"你好小莫", "hey moss"}

	phrase, score, ok := m.Match("hey mos", phrases)
	if !ok || phrase != "hey moss" {
		t.Fatalf("Match = %q, %.3f, %v; want hey moss", phrase, score, ok)
	}
	if score < 0.9 {
		t.Errorf("score = %.3f, want >= 0.9", score)
	}

	if _, _, ok := m.Match("turn on the light", phrases); ok {
		t.Error("unrelated command matched a wake phrase")
	}
	if _, _, ok := m.Match("hey moss", nil); ok {
		t.Error("match against no phrases")
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	strict := phonetic.New(phonetic.WithFuzzyThreshold(0.99), phonetic.WithPhoneticThreshold(0.99))
	if _, ok := strict.Similar("你好小摸", "你好小莫"); ok {
		t.Error("strict fuzzy threshold still matched")
	}
	if _, ok := strict.Similar("hey moss", "hey moss"); !ok {
		t.Error("exact match must pass any threshold")
	}
}
