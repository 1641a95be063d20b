package insight

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/insightd/internal/reflection"
)

const (
	// KeySeparator joins the parts of a serialized ClusterKey.
	KeySeparator = "::"

	// UnknownPart fills a stage or unit that cannot be derived.
	UnknownPart = "unknown"

	maxKeyPartLen = 64
	topicWords    = 3
	topicMinLen   = 4
)

// ClusterKey is the (stage, family, unit) triple reflections are grouped by.
type ClusterKey struct {
	Stage  string `json:"workflow_stage"`
	Family string `json:"failure_family"`
	Unit   string `json:"impacted_unit"`
}

// String serializes the key as stage::family::unit.
func (k ClusterKey) String() string {
	return k.Stage + KeySeparator + k.Family + KeySeparator + k.Unit
}

// ParseClusterKey reverses String.
func ParseClusterKey(s string) (ClusterKey, error) {
	parts := strings.Split(s, KeySeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ClusterKey{}, fmt.Errorf("malformed cluster key %q", s)
	}
	return ClusterKey{Stage: parts[0], Family: parts[1], Unit: parts[2]}, nil
}

var (
	reservedPrefixes = map[string]bool{"stage": true, "family": true, "unit": true, "team": true}

	genericTags = map[string]bool{
		"bug": true, "bugs": true, "issue": true, "issues": true, "problem": true,
		"error": true, "errors": true, "misc": true, "general": true, "other": true,
		"todo": true, "fix": true, "incident": true, "reflection": true, "retro": true,
		"retrospective": true, "note": true, "notes": true, "followup": true, "follow-up": true,
		"urgent": true, "important": true, "low": true, "medium": true, "high": true,
		"critical": true, "p0": true, "p1": true, "p2": true, "p3": true, "team": true,
		"work": true, "task": true,
	}

	stopwords = map[string]bool{
		"about": true, "after": true, "again": true, "also": true, "because": true,
		"been": true, "before": true, "being": true, "could": true, "does": true,
		"doing": true, "done": true, "each": true, "even": true, "every": true,
		"from": true, "have": true, "having": true, "here": true, "into": true,
		"just": true, "more": true, "most": true, "only": true, "onto": true,
		"other": true, "over": true, "really": true, "same": true, "should": true,
		"some": true, "still": true, "such": true, "than": true, "that": true,
		"their": true, "them": true, "then": true, "there": true, "these": true,
		"they": true, "this": true, "those": true, "under": true, "very": true,
		"were": true, "what": true, "when": true, "where": true, "which": true,
		"while": true, "will": true, "with": true, "would": true, "your": true,
		"dont": true, "didnt": true, "doesnt": true, "cant": true, "wasnt": true,
	}

	whitespaceRun = regexp.MustCompile(`\s+`)
	invalidKeyRun = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// SanitizeKeyPart lowercases s and strips everything outside [a-z0-9._-],
// replacing colons and whitespace with '-'. The result is at most 64 bytes
// and may be empty.
func SanitizeKeyPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, KeySeparator, "-")
	s = strings.ReplaceAll(s, ":", "-")
	s = whitespaceRun.ReplaceAllString(s, "-")
	s = invalidKeyRun.ReplaceAllString(s, "")
	if len(s) > maxKeyPartLen {
		s = s[:maxKeyPartLen]
	}
	return s
}

// Extractor derives cluster keys. It is safe for concurrent use.
type Extractor struct {
	classifier FamilyClassifier
}

// NewExtractor returns an extractor; a nil classifier selects the
// built-in keyword rules.
func NewExtractor(c FamilyClassifier) *Extractor {
	if c == nil {
		c = NewRuleFamilyClassifier()
	}
	return &Extractor{classifier: c}
}

type parsedTags struct {
	prefixed map[string]string // first sanitized value per reserved prefix
	rest     []string          // sanitized unreserved tags, in order
}

func parseTags(tags []string) parsedTags {
	p := parsedTags{prefixed: make(map[string]string)}
	for _, raw := range tags {
		if prefix, value, ok := strings.Cut(raw, ":"); ok {
			prefix = strings.ToLower(strings.TrimSpace(prefix))
			if reservedPrefixes[prefix] {
				if v := SanitizeKeyPart(value); v != "" {
					if _, seen := p.prefixed[prefix]; !seen {
						p.prefixed[prefix] = v
					}
				}
				continue
			}
		}
		if v := SanitizeKeyPart(raw); v != "" {
			p.rest = append(p.rest, v)
		}
	}
	return p
}

// Extract maps a reflection to its cluster key. It never fails: missing
// parts fall back to derived tokens, then to "unknown"/"uncategorized".
func (e *Extractor) Extract(r *reflection.Reflection) ClusterKey {
	if r == nil {
		return ClusterKey{Stage: UnknownPart, Family: DefaultFamily, Unit: UnknownPart}
	}
	tags := parseTags(r.Tags)

	key := ClusterKey{
		Stage:  tags.prefixed["stage"],
		Family: tags.prefixed["family"],
		Unit:   tags.prefixed["unit"],
	}
	if key.Stage == "" {
		key.Stage = UnknownPart
	}
	if key.Family == "" {
		key.Family = SanitizeKeyPart(e.classifier.Classify(r.Pain))
		if key.Family == "" {
			key.Family = DefaultFamily
		}
	}
	if key.Unit == "" {
		key.Unit = impactedUnit(r, tags)
	}
	return key
}

// impactedUnit applies the fallback chain: first specific tag, team,
// topic signature of the pain text, first generic tag.
func impactedUnit(r *reflection.Reflection, tags parsedTags) string {
	for _, t := range tags.rest {
		if !genericTags[t] {
			return t
		}
	}
	if team := SanitizeKeyPart(r.TeamID); team != "" {
		return team
	}
	if topic := topicSignature(r.Pain); topic != "" {
		return topic
	}
	if len(tags.rest) > 0 {
		return tags.rest[0]
	}
	return UnknownPart
}

// topicSignature joins the first significant words of text, e.g.
// "The checkout page is slow" -> "topic-checkout-page-slow".
func topicSignature(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	picked := make([]string, 0, topicWords)
	for _, w := range words {
		w = SanitizeKeyPart(w)
		if len(w) < topicMinLen || stopwords[w] {
			continue
		}
		picked = append(picked, w)
		if len(picked) == topicWords {
			break
		}
	}
	if len(picked) == 0 {
		return ""
	}
	return SanitizeKeyPart("topic-" + strings.Join(picked, "-"))
}
