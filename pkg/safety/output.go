package safety

import "regexp"

// OutputResult is the outcome of screening one produced fragment before it
// leaves the system.
type OutputResult struct {
	Safe bool
	// Violations lists the matched categories, one entry per category.
	Violations []string
	// Redacted is the fragment with every match replaced by the marker.
	Redacted string
}

// RedactionMarker replaces leaked material in outbound text.
const RedactionMarker = "[redacted]"

// Output violation categories.
const (
	ViolationAPIKey       = "api_key"
	ViolationBearerToken  = "bearer_token"
	ViolationPrivateKey   = "private_key"
	ViolationPassword     = "password_literal"
	ViolationConnString   = "connection_string"
	ViolationPathLeak     = "path_leak"
	ViolationAWSAccessKey = "aws_access_key"
)

type outputPattern struct {
	name string
	re   *regexp.Regexp
}

var outputPatterns = []outputPattern{
	{ViolationAPIKey, regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|pk_[A-Za-z0-9]{20,}|ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|glpat-[A-Za-z0-9\-]{20,})\b`)},
	{ViolationAWSAccessKey, regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`)},
	{ViolationBearerToken, regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
	{ViolationPrivateKey, regexp.MustCompile(`-----BEGIN\s+[A-Z ]*PRIVATE\s+KEY-----`)},
	{ViolationPassword, regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`)},
	{ViolationConnString, regexp.MustCompile(`\b(?:postgres(?:ql)?|mysql|redis|rediss|amqp|mongodb(?:\+srv)?)://[^\s@]+@[^\s]+`)},
	{ViolationPathLeak, regexp.MustCompile(`(?:/home/[A-Za-z0-9._\-]+|/etc/[A-Za-z0-9._/\-]+|/var/[A-Za-z0-9._/\-]+|[A-Za-z]:\\(?:Users|Windows)\\[^\s]*)`)},
}

// CheckOutput scans produced text for credential-shaped substrings,
// connection strings, and path-like leakage. Matches are replaced with the
// redaction marker. Pure function, no shared state.
func CheckOutput(text string) OutputResult {
	redacted := text
	var violations []string
	for _, p := range outputPatterns {
		if !p.re.MatchString(redacted) {
			continue
		}
		violations = append(violations, p.name)
		redacted = p.re.ReplaceAllString(redacted, RedactionMarker)
	}
	return OutputResult{
		Safe:       len(violations) == 0,
		Violations: violations,
		Redacted:   redacted,
	}
}
