package content

import (
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy    = bluemonday.UGCPolicy()
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._ -]+$`)
	codeRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to every user-supplied message body and display name before
// persistence or delivery.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(input))
}

// ValidateName checks that a display name contains only allowed characters
// (alphanumeric, dot, dash, underscore, space) and is not empty.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if !nameRegex.MatchString(name) {
		return errors.New("name contains invalid characters (allowed: alphanumeric, dot, dash, underscore, space)")
	}
	return nil
}

// ValidateSectorCode checks that a sector identifier is a stable short code
// (lowercase alphanumeric, dash, underscore).
func ValidateSectorCode(code string) error {
	if code == "" {
		return errors.New("sector code cannot be empty")
	}
	if !codeRegex.MatchString(code) {
		return errors.New("sector code contains invalid characters (allowed: lowercase alphanumeric, dash, underscore)")
	}
	return nil
}
