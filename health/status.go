package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/stackmotive/overlay/errors"
)

// States
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex         = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one dependency or of the whole service
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Latency     string    `json:"latency,omitempty"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy reports a healthy status
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded reports a degraded status
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy reports an unhealthy status
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// FromError converts a probe result to a status
func FromError(component string, err error) Status {
	switch {
	case err == nil:
		return NewHealthy(component, "ok")
	case errors.IsTransient(err):
		return NewDegraded(component, sanitizeErrorMessage(err.Error()))
	default:
		return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
	}
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	out := urlRegex.ReplaceAllString(msg, "[URL]")
	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = windowsPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(out, "[REDACTED]")
		}
	}
	return out
}
