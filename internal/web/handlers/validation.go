package handlers

import (
	"fmt"
	"strings"

	"github.com/saltyorg/markerplow/internal/markers"
)

// ValidationError represents a validation error for a request field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidatePath checks that a media path reported by the host is usable.
// Hosts may run on Windows, so drive-letter and UNC paths are accepted too.
func ValidatePath(path, fieldName string) error {
	if path == "" {
		return ValidationError{Field: fieldName, Message: "path cannot be empty"}
	}

	// Check for null bytes (potential injection attack)
	if strings.ContainsRune(path, '\x00') {
		return ValidationError{Field: fieldName, Message: "path contains invalid characters"}
	}

	if !isAbsolute(path) {
		return ValidationError{Field: fieldName, Message: "path must be absolute"}
	}
	return nil
}

func isAbsolute(path string) bool {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\\`) {
		return true
	}
	// C:\ or C:/
	return len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/') &&
		((path[0] >= 'a' && path[0] <= 'z') || (path[0] >= 'A' && path[0] <= 'Z'))
}

// ValidateItem checks an item before it is stored
func ValidateItem(item markers.Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	if err := ValidatePath(item.Path, "path"); err != nil {
		return err
	}
	if item.Runtime < 0 {
		return ValidationError{Field: "runtime_ms", Message: "runtime cannot be negative"}
	}
	if item.SeasonKey != "" && item.Index < 0 {
		return ValidationError{Field: "index", Message: "index cannot be negative"}
	}
	return nil
}
