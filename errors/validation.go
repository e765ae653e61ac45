package errors

import (
	"strings"
	"unicode"
)

// ValidateName checks a layer or artifact name for characters that would
// break file naming, DOT output or ONNX tensor naming.
func ValidateName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidConfiguration, "name cannot be empty")
	}
	if len(name) > 128 {
		return New(ErrCodeInvalidConfiguration, "name %q too long (max 128 characters)", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return New(ErrCodeInvalidConfiguration, "name %q contains whitespace or control characters", name)
		}
	}
	if strings.ContainsAny(name, `/\"`) {
		return New(ErrCodeInvalidConfiguration, "name %q contains path or quote characters", name)
	}
	return nil
}

// ValidateFileName checks that an uploaded file name is a plain base name.
func ValidateFileName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidInput, "file name cannot be empty")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "file name contains control characters")
		}
	}
	for _, pattern := range []string{"..", "/", "\\", "\x00"} {
		if strings.Contains(name, pattern) {
			return New(ErrCodeInvalidInput, "file name contains invalid sequence %q", pattern)
		}
	}
	return nil
}
