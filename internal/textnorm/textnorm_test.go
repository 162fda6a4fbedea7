package textnorm

import (
	"errors"
	"strings"
	"testing"

	"capsule/internal/services"
)

func defaultOptions() Options {
	return Options{
		RemoveTimestamps:    true,
		SentenceCaseAllCaps: true,
		EmitSegments:        true,
	}
}

func hasRule(rules []string, name string) bool {
	for _, r := range rules {
		if r == name {
			return true
		}
	}
	return false
}

func TestNormalizeCleaningRules(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		rule string
	}{
		{"bom and controls", "\ufeffhello\x00 world\x07", "hello world", RuleStripControls},
		{"fullwidth", "ＡＢＣ１２３，ok", "ABC123,ok", RuleFoldWidth},
		{"crlf", "line one\r\nline two\rline three", "line one\nline two\nline three", RuleNormalizeNewlines},
		{"smart quotes", "“quoted” and ‘single’", `"quoted" and 'single'`, RuleReplaceQuotes},
		{"timestamps", "[00:01] hello\n(0:12) there\n[1:02:03] end", "hello\nthere\nend", RuleRemoveTimestamps},
		{"speaker labels", "SPEAKER 1:   hi\nspeaker2: yo", "Speaker 1: hi\nSpeaker2: yo", RuleCollapseSpeakers},
		{"whitespace", "a  \t b\n\n\n\nc", "a b\n\nc", RuleCollapseWhitespace},
		{"bullets", "• one\n* two\n — three", "- one\n- two\n - three", RuleNormalizeLists},
		{"all caps", "THIS IS LOUD. VERY LOUD.", "This is loud. very loud.", RuleSentenceCaseAllCaps},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in, defaultOptions())
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got.Text != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got.Text, tc.want)
			}
			if !hasRule(got.AppliedRules, tc.rule) {
				t.Fatalf("expected rule %s in %v", tc.rule, got.AppliedRules)
			}
		})
	}
}

func TestNormalizeLeavesMixedCaseAlone(t *testing.T) {
	got, err := Normalize("NASA launched a Rocket", defaultOptions())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Text != "NASA launched a Rocket" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if hasRule(got.AppliedRules, RuleSentenceCaseAllCaps) {
		t.Fatal("sentence case should not apply to mixed case text")
	}
}

func TestNormalizeTimestampsDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.RemoveTimestamps = false
	got, err := Normalize("[00:01] keep me", opts)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Text != "[00:01] keep me" {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestNormalizeEmptyAfterCleaning(t *testing.T) {
	_, err := Normalize(" \x00\x01 \n\n [00:01] ", defaultOptions())
	if err == nil {
		t.Fatal("expected error for empty text")
	}
	if !errors.Is(err, services.ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if code, _ := services.Code(err); code != CodeNoContent {
		t.Fatalf("expected code %s, got %q", CodeNoContent, code)
	}
}

func TestNormalizeTruncation(t *testing.T) {
	opts := defaultOptions()
	opts.MaxInputChars = 10
	got, err := Normalize("héllo wörld and more", opts)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !got.InputTruncated || got.Text != "héllo wörl" {
		t.Fatalf("unexpected input truncation %#v", got)
	}
	if got.InputChars != 20 {
		t.Fatalf("expected rune count of raw input, got %d", got.InputChars)
	}

	opts = defaultOptions()
	opts.MaxOutputChars = 5
	got, err = Normalize("abcdefghij", opts)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !got.Truncated || got.Text != "abcde" || got.OutputChars != 5 {
		t.Fatalf("unexpected output truncation %#v", got)
	}
}

func TestNormalizeSegments(t *testing.T) {
	text := "First paragraph here.\n\n- item one\n- item two\n\nClosing words."
	got, err := Normalize(text, defaultOptions())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(got.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %#v", got.Segments)
	}
	types := []string{got.Segments[0].Type, got.Segments[1].Type, got.Segments[2].Type}
	if strings.Join(types, ",") != "paragraph,list,paragraph" {
		t.Fatalf("unexpected segment types %v", types)
	}
	for i, seg := range got.Segments {
		if seg.Index != i {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
	}

	opts := defaultOptions()
	opts.SegmentThresholdChars = 1000
	short, _ := Normalize(text, opts)
	if short.Segments != nil || short.SegmentCount() != 1 {
		t.Fatalf("expected no segments below threshold, got %#v", short.Segments)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	in := "SPEAKER 1: [00:01] “HELLO”  THERE\r\n\r\n\r\n• ONE"
	a, errA := Normalize(in, defaultOptions())
	b, errB := Normalize(in, defaultOptions())
	if errA != nil || errB != nil {
		t.Fatalf("Normalize errors: %v %v", errA, errB)
	}
	if a.Text != b.Text || strings.Join(a.AppliedRules, ",") != strings.Join(b.AppliedRules, ",") {
		t.Fatalf("non-deterministic output %q vs %q", a.Text, b.Text)
	}
}
