package services

import (
	"regexp"
	"strings"

	"github.com/jcollis/bastion/internal/models"
)

// sensitivePathFragments is the deny-list of path substrings that only
// scanners and exploit kits ask for.
var sensitivePathFragments = []string{
	".env",
	".git",
	".htaccess",
	".htpasswd",
	"id_rsa",
	"wp-admin",
	"wp-login",
	"phpmyadmin",
	"/etc/passwd",
	"/etc/shadow",
	"web.config",
	"config.php",
	"credentials",
	"/admin/config",
	"/.aws/",
	"/actuator/env",
}

// automationSignatures is the deny-list of client-signature substrings
// belonging to scripting and scanning tools.
var automationSignatures = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"dirbuster",
	"gobuster",
	"wpscan",
	"hydra",
	"curl/",
	"wget/",
	"python-requests",
	"go-http-client",
	"libwww-perl",
	"java/",
}

// injectionPatterns match SQL and script injection signatures in the
// serialized query string and body.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\bunion\b[\s/*]+\bselect\b)`),
	regexp.MustCompile(`(?i)(\bselect\b.+\bfrom\b.+(\bwhere\b|\blimit\b|--|#))`),
	regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+)`),
	regexp.MustCompile(`(?i)(;\s*(drop|delete|truncate|insert|update)\b)`),
	regexp.MustCompile(`(?i)(<\s*script[^>]*>)`),
	regexp.MustCompile(`(?i)(javascript\s*:)`),
	regexp.MustCompile(`(?i)(on(error|load|click|mouseover)\s*=)`),
	regexp.MustCompile(`(?i)(\bexec\b\s*\(|\bxp_cmdshell\b)`),
}

// Classifier maps inbound events to at most one suspicious-behavior
// category. Pure rule evaluation: no side effects, never errors.
type Classifier struct {
	burstLimit int
}

// NewClassifier creates a new Classifier. burstLimit is the per-window
// request count past which the burst category fires.
func NewClassifier(burstLimit int) *Classifier {
	return &Classifier{burstLimit: burstLimit}
}

// Classify returns the category an event falls into, or ok=false when
// the event is unremarkable. Rule precedence is fixed: a bad client
// signature outranks everything because a single occurrence is enough
// evidence to block; injection and sensitive-path probes outrank the
// soft burst signal.
func (c *Classifier) Classify(event models.Event) (models.Category, bool) {
	switch ev := event.(type) {
	case models.AuthFailureEvent:
		return models.CategoryBruteForce, true

	case models.NotFoundEvent:
		return models.CategoryScan, true

	case models.RequestEvent:
		if isAutomationSignature(ev.ClientSignature) {
			return models.CategoryBadSignature, true
		}
		if matchesInjection(ev.Query) || matchesInjection(ev.Body) {
			return models.CategoryPayloadInjection, true
		}
		if isSensitivePath(ev.Path) {
			return models.CategorySensitivePath, true
		}
		if c.burstLimit > 0 && ev.RequestCount > c.burstLimit {
			return models.CategoryBurst, true
		}
	}

	return "", false
}

func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, fragment := range sensitivePathFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func isAutomationSignature(signature string) bool {
	trimmed := strings.TrimSpace(signature)
	if trimmed == "" {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, tool := range automationSignatures {
		if strings.Contains(lower, tool) {
			return true
		}
	}
	return false
}

func matchesInjection(payload string) bool {
	if payload == "" {
		return false
	}
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(payload) {
			return true
		}
	}
	return false
}
