// Package textnorm is the deterministic cleaning applied to transcripts,
// extracted documents and captured text before semantic enrichment. It never
// calls out to a model: the same input and options always yield the same
// output.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"capsule/internal/record"
	"capsule/internal/services"
)

// Rule names recorded in AppliedRules.
const (
	RuleUnicodeNFC          = "unicode_nfc"
	RuleFoldWidth           = "fold_width"
	RuleStripControls       = "strip_controls"
	RuleNormalizeNewlines   = "normalize_newlines"
	RuleReplaceQuotes       = "replace_quotes"
	RuleRemoveTimestamps    = "remove_timestamps"
	RuleCollapseSpeakers    = "collapse_speaker_labels"
	RuleCollapseWhitespace  = "collapse_whitespace"
	RuleNormalizeLists      = "normalize_lists"
	RuleSentenceCaseAllCaps = "sentence_case_all_caps"
)

// CodeNoContent is attached to the error for text that is empty after cleaning.
const CodeNoContent = "no_content"

// Segment types.
const (
	SegmentParagraph = "paragraph"
	SegmentList      = "list"
)

// Options is the normalization profile. Zero limits disable truncation.
type Options struct {
	MaxInputChars         int
	MaxOutputChars        int
	RemoveTimestamps      bool
	SentenceCaseAllCaps   bool
	EmitSegments          bool
	SegmentThresholdChars int
}

// Result is the cleaned text with its bookkeeping.
type Result struct {
	Text           string
	Segments       []record.Segment
	AppliedRules   []string
	InputChars     int
	OutputChars    int
	InputTruncated bool
	Truncated      bool
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	timestamps   = regexp.MustCompile(`(?m)^\s*(?:\[\d{1,2}:\d{2}(?::\d{2})?\]|\(\d{1,2}:\d{2}\))\s*`)
	speakers     = regexp.MustCompile(`(?mi)^(speaker\s*\d+:)\s*`)
	spaceRuns    = regexp.MustCompile(`[ \t]{2,}`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
	bullets      = regexp.MustCompile(`(?m)^([ \t]*)[•·–—*][ \t]*`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
	)
	lowerCaser = cases.Lower(language.Und)
)

type rule struct {
	name  string
	apply func(string) string
}

// Normalize cleans raw. Text that is empty after cleaning returns an
// ErrNoContent error tagged no_content.
func Normalize(raw string, opts Options) (Result, error) {
	result := Result{InputChars: utf8.RuneCountInString(raw)}
	text := raw
	if opts.MaxInputChars > 0 && result.InputChars > opts.MaxInputChars {
		text = truncateRunes(text, opts.MaxInputChars)
		result.InputTruncated = true
	}

	rules := []rule{
		{RuleUnicodeNFC, norm.NFC.String},
		{RuleFoldWidth, width.Fold.String},
		{RuleStripControls, stripControls},
		{RuleNormalizeNewlines, normalizeNewlines},
		{RuleReplaceQuotes, quoteReplacer.Replace},
	}
	if opts.RemoveTimestamps {
		rules = append(rules,
			rule{RuleRemoveTimestamps, func(s string) string { return timestamps.ReplaceAllString(s, "") }},
			rule{RuleCollapseSpeakers, collapseSpeakers},
		)
	}
	rules = append(rules,
		rule{RuleCollapseWhitespace, collapseWhitespace},
		rule{RuleNormalizeLists, func(s string) string { return bullets.ReplaceAllString(s, "${1}- ") }},
	)
	if opts.SentenceCaseAllCaps {
		rules = append(rules, rule{RuleSentenceCaseAllCaps, sentenceCase})
	}

	for _, r := range rules {
		next := r.apply(text)
		if next != text {
			result.AppliedRules = append(result.AppliedRules, r.name)
			text = next
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return result, services.WithCode(
			services.Wrap(services.ErrNoContent, "normalization", "normalize", "normalized text is empty", nil),
			CodeNoContent,
		)
	}

	if opts.MaxOutputChars > 0 && utf8.RuneCountInString(text) > opts.MaxOutputChars {
		text = truncateRunes(text, opts.MaxOutputChars)
		result.Truncated = true
	}

	result.Text = text
	result.OutputChars = utf8.RuneCountInString(text)
	if opts.EmitSegments && (opts.SegmentThresholdChars <= 0 || result.OutputChars >= opts.SegmentThresholdChars) {
		result.Segments = Segments(text)
	}
	return result, nil
}

// SegmentCount is the number of segments, counting unsegmented text as one.
func (r Result) SegmentCount() int {
	if len(r.Segments) == 0 {
		return 1
	}
	return len(r.Segments)
}

// Segments splits text on blank lines. A block starting with "-" is a list.
func Segments(text string) []record.Segment {
	var out []record.Segment
	for _, block := range strings.Split(text, "\n\n") {
		chunk := strings.TrimSpace(block)
		if chunk == "" {
			continue
		}
		kind := SegmentParagraph
		if strings.HasPrefix(chunk, "-") {
			kind = SegmentList
		}
		out = append(out, record.Segment{Index: len(out), Type: kind, Text: chunk})
	}
	return out
}

func stripControls(s string) string {
	return controlChars.ReplaceAllString(strings.ReplaceAll(s, "\ufeff", ""), "")
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

// collapseSpeakers rewrites "SPEAKER 1:" style prefixes to "Speaker 1: ".
func collapseSpeakers(s string) string {
	return speakers.ReplaceAllStringFunc(s, func(match string) string {
		label := strings.TrimRightFunc(match, unicode.IsSpace)
		return capitalize(label) + " "
	})
}

func collapseWhitespace(s string) string {
	return blankRuns.ReplaceAllString(spaceRuns.ReplaceAllString(s, " "), "\n\n")
}

// sentenceCase lowercases shouted text and capitalizes its first letter. Text
// with any lowercase letter, or with no letters at all, is left alone.
func sentenceCase(s string) string {
	trimmed := strings.TrimSpace(s)
	if !isAllUpper(trimmed) {
		return s
	}
	return capitalize(trimmed)
}

func isAllUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) || unicode.IsTitle(r) {
			cased = true
		}
	}
	return cased
}

// capitalize uppercases the first rune and lowercases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	first, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(first)) + lowerCaser.String(s[size:])
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
