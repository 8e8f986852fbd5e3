// Package speaker infers which participant the mediator handed the floor to.
//
// The mediator model is instructed to end each reply with an explicit marker
// of the form "[다음 화자: <name>]". When the marker is missing or malformed
// the package falls back to a suffix sweep over the participant names, where
// the most recently mentioned participant wins.
package speaker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"

	"hwahaego/internal/models"
)

var (
	// markerExprs recognize the hand-off control channel. The Korean form is
	// what the prompts ask for; the English form covers models that translate
	// the instruction anyway.
	markerExprs = []*regexp.Regexp{
		regexp.MustCompile(`\[\s*다음\s*화자\s*[:：]\s*([^\]]*)\]`),
		regexp.MustCompile(`(?i)\[\s*next\s*speaker\s*[:：]\s*([^\]]*)\]`),
	}

	fencedMarkerExpr = regexp.MustCompile("(?si)```[a-z]*\\s*\\[\\s*(?:다음\\s*화자|next\\s*speaker)\\s*[:：][^\\]]*\\]\\s*```")
	bareMarkerExpr   = regexp.MustCompile(`(?i)\[\s*(?:다음\s*화자|next\s*speaker)\s*[:：][^\]]*\]`)
)

// nameSuffixes are the vocative and topic-marking particles that attach to a
// name when the mediator addresses or refers to that participant. The table is
// additive: new rules extend it without touching the scan below.
var nameSuffixes = []string{
	"님", "씨", "아", "야", "이", "가", "은", "는", "도", "의", "에게", "한테", "랑", "하고",
}

type hit struct {
	offset int
	name   string
}

// Infer returns the participant the text hands the floor to, or "" when the
// text names nobody. It must run on the raw assistant text, before Strip.
func Infer(text string, roster models.Roster) string {
	if name := fromMarker(text, roster); name != "" {
		return name
	}
	return fromSweep(text, roster)
}

// fromMarker resolves an explicit marker against the roster: exact match
// first, then substring containment in either direction, in roster order.
// A marker naming nobody on the roster yields "" so the sweep still runs.
func fromMarker(text string, roster models.Roster) string {
	for _, expr := range markerExprs {
		m := expr.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if candidate == "" {
			continue
		}
		for _, name := range roster {
			if name == candidate {
				return name
			}
		}
		for _, name := range roster {
			if strings.Contains(candidate, name) || strings.Contains(name, candidate) {
				return name
			}
		}
	}
	return ""
}

// fromSweep collects every suffix-rule match for every participant and keeps
// the one starting latest in the text: the clause nearest the end of an
// utterance is where a hand-off is phrased, so recency beats frequency.
func fromSweep(text string, roster models.Roster) string {
	var hits []hit
	for _, name := range roster {
		for _, offset := range occurrences(text, name) {
			if matchesRule(text, offset+len(name)) {
				hits = append(hits, hit{offset: offset, name: name})
			}
		}
	}
	if len(hits) == 0 {
		return ""
	}
	latest := lo.MaxBy(hits, func(a, b hit) bool { return a.offset > b.offset })
	return latest.name
}

// occurrences lists every byte offset at which name appears in text.
func occurrences(text, name string) []int {
	var offs []int
	for from := 0; ; {
		i := strings.Index(text[from:], name)
		if i < 0 {
			return offs
		}
		offs = append(offs, from+i)
		from += i + len(name)
	}
}

// matchesRule decides whether the text right after a name occurrence counts as
// addressing that participant: a particle from the rule table, a word
// boundary, or the end of the text.
func matchesRule(text string, after int) bool {
	if after >= len(text) {
		return true
	}
	rest := text[after:]
	for _, suffix := range nameSuffixes {
		if strings.HasPrefix(rest, suffix) {
			return true
		}
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// Strip removes the hand-off marker from assistant text before it is stored
// or displayed: first a marker wrapped in a fenced code block, then a bare
// marker, then surrounding whitespace. Stripping an already clean text is a
// no-op.
func Strip(text string) string {
	out := fencedMarkerExpr.ReplaceAllString(text, "")
	out = bareMarkerExpr.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
