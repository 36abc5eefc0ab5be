// Package sanitize implements the request normalizer: length and
// control-sequence checks, prompt-injection pattern matching over a
// normalized view of the text (so obfuscated and encoded variants are
// caught), and path-traversal rejection for path-shaped context fields.
package sanitize

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/suhlabs/gatekeeper/internal/engine"
)

const (
	defaultMaxLength = 10000
	maxBase64Depth   = 3
)

// Patterns are compiled once at startup, never during a request.
var injectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`), "override: ignore previous instructions"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`), "override: disregard instructions"},
	{regexp.MustCompile(`(?i)forget\s+(everything|all|previous|prior)`), "override: forget instructions"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+`), "role reassignment: you are now"},
	{regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), "role reassignment: from now on"},
	{regexp.MustCompile(`(?i)act\s+as\s+(a|an)\s+(admin|root|system|developer|unrestricted)`), "role reassignment: act as privileged role"},
	{regexp.MustCompile(`(?i)pretend\s+(you\s+are|to\s+be)`), "role reassignment: pretend"},
	{regexp.MustCompile(`(?i)\[SYSTEM\]`), "delimiter injection: [SYSTEM] tag"},
	{regexp.MustCompile(`(?i)<\|im_start\|>`), "delimiter injection: ChatML tag"},
	{regexp.MustCompile(`(?i)<\|endoftext\|>`), "delimiter injection: end-of-text marker"},
	{regexp.MustCompile(`(?i)###\s*(system|instruction|new instruction)`), "delimiter injection: markdown system header"},
	{regexp.MustCompile(`(?i)override\s+(system|safety|security)\s+(prompt|instructions|rules|policy)`), "explicit override attempt"},
	{regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content)\s+(filter|check|policy|rules)`), "explicit bypass attempt"},
	{regexp.MustCompile(`(?i)(reveal|show|print|display)\s+(your\s+)?(system|initial|original|hidden)\s+(prompt|instructions|message)`), "system prompt extraction"},
	{regexp.MustCompile(`(?i)DAN\s+mode`), "jailbreak: DAN mode"},
	{regexp.MustCompile(`(?i)developer\s+mode`), "jailbreak: developer mode"},
	{regexp.MustCompile(`[i1!|][g9]n[o0]r[e3]\s+pr[e3]v[i1!|][o0]us`), "obfuscated override (leetspeak)"},
	{regexp.MustCompile(`\\x[0-9a-fA-F]{2}`), "hex escape sequence"},
	{regexp.MustCompile(`\\u[0-9a-fA-F]{4}`), "unicode escape sequence"},
}

var base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)

// Sanitizer validates inbound requests before any classification occurs.
type Sanitizer struct {
	maxLength int
}

// New creates a sanitizer. maxLength <= 0 uses the default limit.
func New(maxLength int) *Sanitizer {
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	return &Sanitizer{maxLength: maxLength}
}

// Sanitize implements engine.Sanitizer. All rejections wrap
// engine.ErrInvalidInput so the engine maps them to input_rejected.
func (s *Sanitizer) Sanitize(req *engine.GovernanceRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: empty request text", engine.ErrInvalidInput)
	}
	if len(req.Text) > s.maxLength {
		return fmt.Errorf("%w: request text exceeds %d bytes", engine.ErrInvalidInput, s.maxLength)
	}
	if req.AgentID == "" {
		return fmt.Errorf("%w: missing agent identifier", engine.ErrInvalidInput)
	}
	if req.AgentTier < 1 || req.AgentTier > 4 {
		return fmt.Errorf("%w: agent tier %d outside 1-4", engine.ErrInvalidInput, req.AgentTier)
	}
	if req.Namespace == "" {
		return fmt.Errorf("%w: missing target namespace", engine.ErrInvalidInput)
	}
	if req.Verb == engine.VerbUnspecified {
		return fmt.Errorf("%w: unknown action verb", engine.ErrInvalidInput)
	}

	if detail, bad := disallowedControls(req.Text); bad {
		return fmt.Errorf("%w: %s", engine.ErrInvalidInput, detail)
	}

	normalized := normalize(req.Text)

	if hasMixedScripts(normalized) {
		return fmt.Errorf("%w: mixed Latin/Cyrillic characters (homoglyph obfuscation)", engine.ErrInvalidInput)
	}
	if detail, hit := matchInjection(normalized); hit {
		return fmt.Errorf("%w: %s", engine.ErrInvalidInput, detail)
	}
	if detail, hit := scanEncoded(req.Text, 0); hit {
		return fmt.Errorf("%w: %s", engine.ErrInvalidInput, detail)
	}

	if req.Context != nil {
		for _, p := range req.Context.Paths {
			if hasTraversal(p) {
				return fmt.Errorf("%w: path traversal in %q", engine.ErrInvalidInput, p)
			}
		}
	}

	return nil
}

// normalize strips zero-width characters, applies NFKC so fullwidth and
// compatibility forms collapse to their plain equivalents, and squeezes
// whitespace. Pattern matching always runs on this view.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := norm.NFKC.String(b.String())
	return strings.Join(strings.Fields(out), " ")
}

func disallowedControls(text string) (string, bool) {
	for _, r := range text {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return fmt.Sprintf("disallowed control character U+%04X", r), true
		}
	}
	return "", false
}

func hasMixedScripts(text string) bool {
	var latin, cyrillic bool
	for _, r := range text {
		if unicode.Is(unicode.Latin, r) {
			latin = true
		}
		if unicode.Is(unicode.Cyrillic, r) {
			cyrillic = true
		}
	}
	return latin && cyrillic
}

func matchInjection(normalized string) (string, bool) {
	for _, p := range injectionPatterns {
		if p.re.MatchString(normalized) {
			return "prompt injection pattern: " + p.detail, true
		}
	}
	return "", false
}

// scanEncoded decodes base64-looking runs and checks the plaintext for
// injection patterns, recursing to catch nested encodings.
func scanEncoded(text string, depth int) (string, bool) {
	if depth >= maxBase64Depth {
		return "", false
	}
	for _, candidate := range base64Candidate.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		plain := string(decoded)
		if detail, hit := matchInjection(normalize(plain)); hit {
			return fmt.Sprintf("base64-encoded %s (depth %d)", detail, depth+1), true
		}
		if detail, hit := scanEncoded(plain, depth+1); hit {
			return detail, true
		}
	}
	return "", false
}

func hasTraversal(path string) bool {
	lowered := strings.ToLower(path)
	if strings.Contains(lowered, "..") {
		return true
	}
	// URL-encoded variants: %2e%2e, %252e
	return strings.Contains(lowered, "%2e%2e") || strings.Contains(lowered, "%252e")
}
