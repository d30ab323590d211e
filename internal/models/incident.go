package models

import "time"

// Category identifies a class of suspicious behavior.
type Category string

const (
	CategoryBruteForce       Category = "brute_force"
	CategoryScan             Category = "scan"
	CategorySensitivePath    Category = "sensitive_path"
	CategoryPayloadInjection Category = "payload_injection"
	CategoryBurst            Category = "burst"
	CategoryBadSignature     Category = "bad_client_signature"
)

// Categories lists all known categories in a stable order.
var Categories = []Category{
	CategoryBruteForce,
	CategoryScan,
	CategorySensitivePath,
	CategoryPayloadInjection,
	CategoryBurst,
	CategoryBadSignature,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CategoryPolicy holds the escalation tuple for one category. Thresholds
// are per category: a single sensitive-path probe is far more alarming
// than a single burst event.
type CategoryPolicy struct {
	Window         time.Duration
	WarnThreshold  int
	BlockThreshold int
	Severity       Severity
	// Immediate categories bypass counting: the first occurrence blocks.
	Immediate bool
}

// Incident is an accumulating record of suspicious occurrences for one
// (origin, category) pair within a time window. A new window creates a
// new row; window expiry is evaluated lazily at read time.
type Incident struct {
	ID           string
	Origin       string
	Category     Category
	Severity     Severity
	AttemptCount int
	WindowBucket time.Time // start of the window this incident accumulates in
	FirstSeen    time.Time
	LastSeen     time.Time
	Resolved     bool
	ResolvedBy   *string // "automatic" or admin user ID
	ResolvedAt   *time.Time
}

// IncidentFilter narrows incident listings for the admin surface.
type IncidentFilter struct {
	Origin   string
	Category Category
	Resolved *bool
	Limit    int
	Offset   int
}
