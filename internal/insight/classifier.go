package insight

import "regexp"

// FamilyClassifier infers a failure family from free text. It is only
// consulted when a reflection carries no family: tag.
type FamilyClassifier interface {
	Classify(text string) string
}

// DefaultFamily is returned when no rule matches.
const DefaultFamily = "uncategorized"

type familyRule struct {
	family string
	regex  *regexp.Regexp
}

// RuleFamilyClassifier matches ordered keyword rules; the first match wins.
// Safe for concurrent use.
type RuleFamilyClassifier struct {
	rules []familyRule
}

// NewRuleFamilyClassifier returns the built-in keyword classifier.
func NewRuleFamilyClassifier() *RuleFamilyClassifier {
	return &RuleFamilyClassifier{rules: buildFamilyRules()}
}

// More specific families come first so that, for example, "lost rows after
// a crash" is data-loss rather than runtime-error.
func buildFamilyRules() []familyRule {
	return []familyRule{
		{"data-loss", regexp.MustCompile(`(?i)\b(?:data[\s-]?loss|lost\s+(?:data|records?|rows?|writes?|messages?|events?|files?)|corrupt(?:ed|ion|s)?|truncat(?:ed|ion)|wiped|dropped\s+(?:rows?|records?|messages?|events?)|missing\s+(?:data|records?|rows?))\b`)},
		{"runtime-error", regexp.MustCompile(`(?i)\b(?:panic(?:s|ked)?|crash(?:es|ed|ing)?|exceptions?|stack\s?traces?|segfaults?|segmentation\s+fault|nil\s+pointer|null\s+pointer|nil\s+dereference|runtime\s+error|fatal\s+error|unhandled|out\s+of\s+memory|oom(?:killed)?|internal\s+server\s+error|5\d\d\s+errors?)\b`)},
		{"performance", regexp.MustCompile(`(?i)\b(?:slow(?:ness|er|ly|s)?|latenc(?:y|ies)|timeouts?|timed?\s+out|timing\s+out|sluggish|laggy|lag(?:s|ging)?|perf(?:ormance)?|throughput|bottlenecks?|high\s+cpu|cpu\s+spikes?|memory\s+leaks?|hang(?:s|ing)?|p9[59])\b`)},
		{"access", regexp.MustCompile(`(?i)\b(?:permissions?|unauthori[sz]ed|forbidden|401|403|access\s+denied|denied\s+access|log\s?in|sign[\s-]?in|auth(?:n|z|entication|orization)?|credentials?|expired\s+tokens?|tokens?\s+expired|sso|rbac|acls?)\b`)},
		{"ui", regexp.MustCompile(`(?i)\b(?:ui|ux|buttons?|layout|css|render(?:s|ed|ing)?|screens?|modals?|dropdowns?|tooltips?|misaligned|alignment|fonts?|dark\s+mode|responsive|clicks?|forms?)\b`)},
		{"config", regexp.MustCompile(`(?i)\b(?:config(?:s|uration)?|misconfigur(?:ed|ation)|settings?|env(?:ironment)?\s+var(?:iable)?s?|feature\s+flags?|ya?ml|toml|dotenv|secrets?\s+missing)\b`)},
		{"deployment", regexp.MustCompile(`(?i)\b(?:deploy(?:s|ed|ing|ment|ments)?|roll(?:out|back)s?|release[sd]?|pipelines?|ci/cd|docker(?:file)?|kubernetes|k8s|helm|canary|migrations?|build\s+(?:failed|broke|broken))\b`)},
		{"testing", regexp.MustCompile(`(?i)\b(?:tests?|testing|flak(?:y|iness)|coverage|assertions?|e2e|fixtures?|mocks?|regression\s+suite)\b`)},
	}
}

// Classify returns the family of the first matching rule.
func (c *RuleFamilyClassifier) Classify(text string) string {
	for _, r := range c.rules {
		if r.regex.MatchString(text) {
			return r.family
		}
	}
	return DefaultFamily
}
