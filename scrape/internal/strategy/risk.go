package strategy

import (
	"fmt"
	"strings"
)

// Risk is the protection level of an origin, derived from a 0-100 score.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskExtreme
)

// Score thresholds, inclusive.
const (
	extremeScore = 70
	highScore    = 50
	mediumScore  = 25
)

// RiskFromScore maps a protection score to a Risk.
func RiskFromScore(score int) Risk {
	switch {
	case score >= extremeScore:
		return RiskExtreme
	case score >= highScore:
		return RiskHigh
	case score >= mediumScore:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskExtreme:
		return "extreme"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// ParseRisk converts a risk name to a Risk.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "extreme":
		return RiskExtreme, nil
	}
	return RiskLow, fmt.Errorf("strategy: unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Risk) UnmarshalText(b []byte) error {
	v, err := ParseRisk(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
