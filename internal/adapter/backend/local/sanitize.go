package local

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

const (
	maxStdinBytes = 10 * 1024
	maxJSONDepth  = 10
)

// redirectPattern matches shell redirection to a named file. Bare angle
// brackets inside prose are allowed; `> /tmp/x` or `2>>log` is not.
var redirectPattern = regexp.MustCompile(`\d?>{1,2}\s*[\w/.~-]|<\s*[\w/.~-]`)

var shellMetaPatterns = []string{"`", "$(", "&&", "||", ";"}

// checkStdinPayload vets the JSON document sent to the child's stdin.
// The child never passes stdin through a shell, but the assistant may
// interpolate parts of it into tool invocations, so metacharacter
// patterns are refused outright.
func checkStdinPayload(b []byte) error {
	if len(b) > maxStdinBytes {
		return fmt.Errorf("stdin payload %d bytes exceeds %d: %w", len(b), maxStdinBytes, domain.ErrInvalidArgument)
	}
	for _, c := range b {
		if c == 0 {
			return fmt.Errorf("stdin payload contains null byte: %w", domain.ErrInvalidArgument)
		}
		if c < 0x20 && c != '\n' && c != '\r' && c != '\t' {
			return fmt.Errorf("stdin payload contains control character 0x%02x: %w", c, domain.ErrInvalidArgument)
		}
	}
	if depth := scanDepth(b); depth > maxJSONDepth {
		return fmt.Errorf("stdin payload nesting depth %d exceeds %d: %w", depth, maxJSONDepth, domain.ErrInvalidArgument)
	}
	s := string(b)
	for _, pat := range shellMetaPatterns {
		if strings.Contains(s, pat) {
			return fmt.Errorf("stdin payload contains shell pattern %q: %w", pat, domain.ErrInvalidArgument)
		}
	}
	if redirectPattern.MatchString(s) {
		return fmt.Errorf("stdin payload contains redirect pattern: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// scanDepth tracks brace/bracket nesting, skipping string literals.
func scanDepth(b []byte) int {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for _, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}
