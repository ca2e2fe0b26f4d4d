package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// InputResult is the outcome of screening one client message.
type InputResult struct {
	Allowed bool
	// Reason names the first matched category when not allowed.
	Reason string
	// Sanitized always has embedded control tokens stripped, even when
	// the input as a whole is allowed.
	Sanitized string
}

// Detection category names, stable for logs and metrics.
const (
	ReasonInstructionOverride = "instruction_override"
	ReasonRoleImpersonation   = "role_impersonation"
	ReasonControlTokens       = "control_tokens"
	ReasonJailbreakKeyword    = "jailbreak_keyword"
	ReasonRepetitionFlood     = "repetition_flood"
	ReasonNonAlnumRatio       = "non_alnum_ratio"
)

// The pattern set is a minimum viable battery; thresholds are heuristic and
// expected to be tuned against a labeled corpus.
var (
	instructionOverrideRe = regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+|your\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|context)\b`)

	roleImpersonationRe = regexp.MustCompile(`(?i)\b(you\s+are\s+now|pretend\s+to\s+be|act\s+as\s+(the\s+)?(system|admin|administrator|root|developer)\b|from\s+now\s+on\s+you\s+(are|will\s+be))`)

	controlTokenRe = regexp.MustCompile(`<\|[a-zA-Z_]+\|>|\[/?INST\]|<<\s*/?SYS\s*>>|<\s*/?system\s*>`)

	jailbreakKeywordRe = regexp.MustCompile(`(?i)\b(dan\s+mode|developer\s+mode|jailbreak|do\s+anything\s+now|no\s+restrictions\s+mode)\b`)
)

const (
	// Repetition flood: below this unique-token ratio over at least
	// repetitionMinTokens tokens the input is treated as flooding.
	repetitionRatioFloor = 0.30
	repetitionMinTokens  = 20

	// Non-alphanumeric ratio cutoff, applied to inputs of at least
	// nonAlnumMinLength characters so short punctuation-heavy messages
	// ("??!", ":-)") pass.
	nonAlnumRatioCeil  = 0.50
	nonAlnumMinLength  = 16
	nonAlnumSkipSpaces = true
)

// CheckInput runs the fixed battery of input checks. It is a pure function
// with no shared state.
func CheckInput(text string) InputResult {
	sanitized := controlTokenRe.ReplaceAllString(text, "")

	switch {
	case controlTokenRe.MatchString(text):
		return InputResult{Allowed: false, Reason: ReasonControlTokens, Sanitized: sanitized}
	case instructionOverrideRe.MatchString(text):
		return InputResult{Allowed: false, Reason: ReasonInstructionOverride, Sanitized: sanitized}
	case roleImpersonationRe.MatchString(text):
		return InputResult{Allowed: false, Reason: ReasonRoleImpersonation, Sanitized: sanitized}
	case jailbreakKeywordRe.MatchString(text):
		return InputResult{Allowed: false, Reason: ReasonJailbreakKeyword, Sanitized: sanitized}
	}
	if floodsRepetition(text) {
		return InputResult{Allowed: false, Reason: ReasonRepetitionFlood, Sanitized: sanitized}
	}
	if exceedsNonAlnumRatio(text) {
		return InputResult{Allowed: false, Reason: ReasonNonAlnumRatio, Sanitized: sanitized}
	}
	return InputResult{Allowed: true, Sanitized: sanitized}
}

func floodsRepetition(text string) bool {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) < repetitionMinTokens {
		return false
	}
	unique := map[string]struct{}{}
	for _, tok := range tokens {
		unique[tok] = struct{}{}
	}
	ratio := float64(len(unique)) / float64(len(tokens))
	return ratio < repetitionRatioFloor
}

func exceedsNonAlnumRatio(text string) bool {
	total := 0
	nonAlnum := 0
	for _, r := range text {
		if nonAlnumSkipSpaces && unicode.IsSpace(r) {
			continue
		}
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			nonAlnum++
		}
	}
	if total < nonAlnumMinLength {
		return false
	}
	return float64(nonAlnum)/float64(total) > nonAlnumRatioCeil
}
