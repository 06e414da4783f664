package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy selects the backoff curve.
type Strategy string

// Supported strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyAdaptive    Strategy = "adaptive"
)

// DefaultWindow is the adaptive window size used when a policy leaves it unset.
const DefaultWindow = 20

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategyExponential, "":
		return StrategyExponential, nil
	case StrategyFibonacci:
		return StrategyFibonacci, nil
	case StrategyAdaptive:
		return StrategyAdaptive, nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}

// Policy is an immutable retry configuration shared by every job that names it.
type Policy struct {
	Name        string
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the multiplicative jitter fraction in [0, 1).
	Jitter float64
	// Window is the number of recent attempts the Adaptive strategy inspects.
	Window int
}

// Validate reports configuration mistakes.
func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %q: max_attempts must be >= 1", p.Name)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("policy %q: base_delay must be >= 0", p.Name)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("policy %q: max_delay must be >= base_delay", p.Name)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("policy %q: jitter must be in [0,1)", p.Name)
	}
	if p.Window < 0 {
		return fmt.Errorf("policy %q: window must be >= 0", p.Name)
	}
	return nil
}

func (p *Policy) window() int {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}

// DefaultPolicy returns the built-in exponential policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Name:        "default",
		Strategy:    StrategyExponential,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 4,
		Jitter:      0.1,
		Window:      DefaultWindow,
	}
}
