package language

import (
	"strings"

	xlang "golang.org/x/text/language"
)

// words maps spelled-out language names to their base code so operators can
// write "english" in the config.
var words = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"russian":    "ru",
	"arabic":     "ar",
	"hindi":      "hi",
	"dutch":      "nl",
	"polish":     "pl",
	"swedish":    "sv",
	"danish":     "da",
	"norwegian":  "no",
	"finnish":    "fi",
}

// RecognitionTag turns a language code, ISO 639-2 code or language name into
// the BCP-47 tag with region that speech recognition expects, e.g. "eng" and
// "english" become "en-US". Tags that already carry a region are kept.
// Unparseable input is returned unchanged with ok=false.
func RecognitionTag(code string) (string, bool) {
	raw := strings.TrimSpace(code)
	if raw == "" {
		return "", false
	}
	if base, ok := words[strings.ToLower(raw)]; ok {
		raw = base
	}
	tag, err := xlang.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return code, false
	}
	base, _ := tag.Base()
	region, conf := tag.Region()
	if conf == xlang.No {
		return base.String(), true
	}
	composed, err := xlang.Compose(base, region)
	if err != nil {
		return base.String(), true
	}
	return composed.String(), true
}

// DisplayName returns the English name of a language tag, or the tag itself
// when it cannot be parsed.
func DisplayName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "Unknown"
	}
	tag, err := xlang.Parse(code)
	if err != nil {
		return code
	}
	base, _ := tag.Base()
	for name, value := range words {
		if value == base.String() {
			return strings.ToUpper(name[:1]) + name[1:]
		}
	}
	return base.String()
}
