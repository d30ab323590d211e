package models

// Event is the closed union of inputs to the behavior classifier. Each
// variant carries only the fields its classification rules need.
type Event interface {
	eventOrigin() string
}

// RequestEvent describes an ordinary inbound HTTP request.
type RequestEvent struct {
	Method          string
	Path            string
	Query           string
	Body            string
	Origin          string
	ClientSignature string
	// RequestCount is the origin's hit count in the current burst window,
	// supplied by the injected request counter.
	RequestCount int
}

// NotFoundEvent describes a request that resolved to no known route,
// the signal for 404 probing.
type NotFoundEvent struct {
	Path   string
	Origin string
}

// AuthFailureEvent describes a password mismatch reported by the auth flow.
type AuthFailureEvent struct {
	Origin string
}

func (e RequestEvent) eventOrigin() string     { return e.Origin }
func (e NotFoundEvent) eventOrigin() string    { return e.Origin }
func (e AuthFailureEvent) eventOrigin() string { return e.Origin }

// EventOrigin returns the network origin an event was observed from.
func EventOrigin(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventOrigin()
}
