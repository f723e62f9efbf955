package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// IdentifierRegex matches participant, channel and token subject names.
var IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateRunID checks that id is a run id as issued by the sequencer.
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run ID is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid run ID format")
	}
	return nil
}

// ValidateIdentifier validates a participant id, channel name or token
// subject.
func ValidateIdentifier(s, fieldName string) error {
	if err := ValidateNonEmptyString(s, fieldName); err != nil {
		return err
	}
	if err := ValidateStringLength(s, 1, 64, fieldName); err != nil {
		return err
	}
	if !IdentifierRegex.MatchString(s) {
		return fmt.Errorf("%s contains invalid characters (only letters, numbers, _, -, . allowed)", fieldName)
	}
	return nil
}

// ValidateOrigin validates an allowed WebSocket origin. "*" allows any.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	if origin == "" {
		return fmt.Errorf("origin is required")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("origin must have a host")
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("origin must not have a path")
	}
	return nil
}

// ValidateURL validates a broker or server URL against the allowed schemes.
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) > 0 {
		ok := false
		for _, s := range schemes {
			if u.Scheme == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
		}
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
