package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Tier selects which window set applies to an identity.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// ParseTier maps a plan name to a tier. Anything that is not a paid plan is free.
func ParseTier(plan string) Tier {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case "paid", "pro":
		return TierPaid
	default:
		return TierFree
	}
}

type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowMonthly WindowKind = "monthly"
)

// Window is one stored consumption counter.
type Window struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WindowStatus struct {
	Kind      WindowKind `json:"kind"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Usage is the read-only view of an identity's windows.
// Effective is the number of consumptions still possible right now.
type Usage struct {
	Tier      Tier           `json:"tier"`
	Windows   []WindowStatus `json:"windows"`
	Effective int            `json:"effective"`
}

// Decision is the outcome of Consume. A denial is a value, not an error.
type Decision struct {
	Allowed  bool
	DeniedBy WindowKind
	Windows  []WindowStatus
}

// Remaining returns the smallest remaining balance among the decision's windows.
func (d Decision) Remaining() int {
	return effective(d.Windows)
}

type Limits struct {
	FreeDaily   int
	FreeMonthly int
	PaidMonthly int
}

func DefaultLimits() Limits {
	return Limits{FreeDaily: 5, FreeMonthly: 50, PaidMonthly: 100}
}

type AdjustOp string

const (
	AdjustSet      AdjustOp = "set"
	AdjustAdd      AdjustOp = "add"
	AdjustSubtract AdjustOp = "subtract"
)

func ParseAdjustOp(s string) (AdjustOp, error) {
	switch op := AdjustOp(strings.ToLower(strings.TrimSpace(s))); op {
	case AdjustSet, AdjustAdd, AdjustSubtract:
		return op, nil
	default:
		return "", fmt.Errorf("unknown adjust op %q", s)
	}
}

// Record is a stored window together with its decoded scope key.
type Record struct {
	Key      string     `json:"key"`
	Identity string     `json:"identity"`
	Tier     Tier       `json:"tier"`
	Kind     WindowKind `json:"kind"`
	Period   string     `json:"period"`
	Window   Window     `json:"window"`
}

func effective(ws []WindowStatus) int {
	if len(ws) == 0 {
		return 0
	}
	lowest := ws[0].Remaining
	for _, w := range ws[1:] {
		if w.Remaining < lowest {
			lowest = w.Remaining
		}
	}
	return lowest
}
