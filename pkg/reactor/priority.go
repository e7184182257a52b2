package reactor

import (
	"fmt"
	"strings"
)

// Priority orders ready tasks. Higher values run first.
type Priority int

const (
	Lowest Priority = iota
	Low
	MediumLow
	Medium
	MediumHigh
	High
	Highest
)

var priorityNames = [...]string{
	Lowest:     "lowest",
	Low:        "low",
	MediumLow:  "medium_low",
	Medium:     "medium",
	MediumHigh: "medium_high",
	High:       "high",
	Highest:    "highest",
}

// Priorities returns every priority level from highest to lowest.
func Priorities() []Priority {
	return []Priority{Highest, High, MediumHigh, Medium, MediumLow, Low, Lowest}
}

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	if p < Lowest || p > Highest {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the declared levels.
func (p Priority) Valid() bool {
	return p >= Lowest && p <= Highest
}

// ParsePriority converts a priority name such as "medium_high" back to its level.
func ParsePriority(name string) (Priority, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for p, n := range priorityNames {
		if n == normalized {
			return Priority(p), nil
		}
	}
	return Lowest, fmt.Errorf("unknown priority %q", name)
}
