package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/config"
)

// Rules are the versioned constants driving scoring, priority and
// promotion. Any change to a value must come with a new Version.
type Rules struct {
	Version string

	P0Threshold      float64
	P1Threshold      float64
	P2Threshold      float64
	HysteresisBuffer float64

	CriticalBoost float64
	HighBoost     float64
	VolumeStep    float64
	VolumeCap     float64

	AuthorThreshold  int
	QualityMinChars  int
	QualityMinFields int

	CooldownWindow      time.Duration
	ReopenCap           int
	ReopenWindow        time.Duration
	RecurringMembership int

	// AutoPromote false leaves gate-passing candidates at readiness "ready".
	AutoPromote bool
}

// DefaultRules returns the 1.0.0 rule set.
func DefaultRules() Rules {
	return Rules{
		Version:             "1.0.0",
		P0Threshold:         8,
		P1Threshold:         5,
		P2Threshold:         3,
		HysteresisBuffer:    0.3,
		CriticalBoost:       2,
		HighBoost:           1,
		VolumeStep:          0.5,
		VolumeCap:           2,
		AuthorThreshold:     2,
		QualityMinChars:     10,
		QualityMinFields:    3,
		CooldownWindow:      24 * time.Hour,
		ReopenCap:           3,
		ReopenWindow:        24 * time.Hour,
		RecurringMembership: 4,
		AutoPromote:         true,
	}
}

// RulesFromConfig converts the insights config section.
func RulesFromConfig(c config.InsightsConfig) Rules {
	return Rules{
		Version:             c.Version,
		P0Threshold:         c.P0Threshold,
		P1Threshold:         c.P1Threshold,
		P2Threshold:         c.P2Threshold,
		HysteresisBuffer:    c.HysteresisBuffer,
		CriticalBoost:       c.CriticalBoost,
		HighBoost:           c.HighBoost,
		VolumeStep:          c.VolumeStep,
		VolumeCap:           c.VolumeCap,
		AuthorThreshold:     c.AuthorThreshold,
		QualityMinChars:     c.QualityMinChars,
		QualityMinFields:    c.QualityMinFields,
		CooldownWindow:      c.CooldownWindow,
		ReopenCap:           c.ReopenCap,
		ReopenWindow:        c.ReopenWindow,
		RecurringMembership: c.RecurringMembership,
		AutoPromote:         c.AutoPromoteEnabled(),
	}
}

// Validate rejects rule sets the engine cannot apply consistently.
func (r Rules) Validate() error {
	switch {
	case r.Version == "":
		return errors.New("rules: version is required")
	case !(r.P0Threshold > r.P1Threshold && r.P1Threshold > r.P2Threshold && r.P2Threshold > 0):
		return fmt.Errorf("rules: thresholds must satisfy p0 > p1 > p2 > 0")
	case r.HysteresisBuffer < 0:
		return errors.New("rules: hysteresis buffer cannot be negative")
	case r.CriticalBoost < 0 || r.HighBoost < 0 || r.VolumeStep < 0 || r.VolumeCap < 0:
		return errors.New("rules: boosts cannot be negative")
	case r.AuthorThreshold < 1:
		return errors.New("rules: author threshold must be >= 1")
	case r.QualityMinFields < 1 || r.QualityMinFields > len(qualityFields(nil)):
		return fmt.Errorf("rules: quality min fields must be 1-%d", len(qualityFields(nil)))
	case r.CooldownWindow <= 0 || r.ReopenWindow <= 0:
		return errors.New("rules: windows must be positive")
	case r.ReopenCap < 0:
		return errors.New("rules: reopen cap cannot be negative")
	}
	return nil
}

// Fingerprint is a short hash over every constant. Two rule sets with the
// same Version but different fingerprints indicate a missed version bump.
func (r Rules) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", r)))
	return hex.EncodeToString(sum[:6])
}

func (r Rules) threshold(band int) float64 {
	switch band {
	case 0:
		return r.P0Threshold
	case 1:
		return r.P1Threshold
	default:
		return r.P2Threshold
	}
}
