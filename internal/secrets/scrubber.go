package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber removes secrets from free text.
type Scrubber interface {
	Scrub(text string) string
}

// Nop returns text unchanged.
type Nop struct{}

func (Nop) Scrub(text string) string { return text }

var assignmentPatterns = []struct {
	id string
	re *regexp.Regexp
}{
	{"generic-password", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret)\s*[:=]\s*["']?([^\s"']{6,})`)},
	{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9._~+/=-]{12,})`)},
}

// Gitleaks scrubs using the gitleaks default configuration.
type Gitleaks struct {
	cfg gitleaksconfig.Config
}

var (
	defaultOnce sync.Once
	defaultCfg  gitleaksconfig.Config
	defaultErr  error
)

// NewGitleaks loads the default gitleaks rules once per process.
func NewGitleaks() (*Gitleaks, error) {
	defaultOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			defaultErr = fmt.Errorf("loading gitleaks rules: %w", err)
			return
		}
		defaultCfg = d.Config
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	return &Gitleaks{cfg: defaultCfg}, nil
}

// Findings returns the rule IDs and secret values found in text.
func (g *Gitleaks) Findings(text string) map[string]string {
	found := make(map[string]string)
	if strings.TrimSpace(text) == "" {
		return found
	}

	// Detectors accumulate findings, so each call gets its own.
	for _, f := range detect.NewDetector(g.cfg).DetectString(text) {
		if f.Secret != "" {
			found[f.Secret] = f.RuleID
		}
	}
	for _, p := range assignmentPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if _, ok := found[m[1]]; !ok {
				found[m[1]] = p.id
			}
		}
	}
	return found
}

// Scrub replaces every detected secret with [REDACTED:<rule>].
func (g *Gitleaks) Scrub(text string) string {
	found := g.Findings(text)
	if len(found) == 0 {
		return text
	}

	// Longest first so a secret containing another is replaced whole.
	secrets := make([]string, 0, len(found))
	for s := range found {
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool {
		if len(secrets[i]) != len(secrets[j]) {
			return len(secrets[i]) > len(secrets[j])
		}
		return secrets[i] < secrets[j]
	})

	for _, s := range secrets {
		text = strings.ReplaceAll(text, s, "[REDACTED:"+found[s]+"]")
	}
	return text
}
