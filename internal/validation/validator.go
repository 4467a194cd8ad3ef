package validation

import (
	"strings"
	"unicode"

	fserrors "github.com/devrev/pairfs/internal/errors"
)

const (
	// MaxFileNameSize limits a file name in bytes
	MaxFileNameSize = 255
)

// Validator checks client-supplied names and payloads
type Validator struct {
	maxPayloadSize int
}

// NewValidator creates a validator with the given payload cap
func NewValidator(maxPayloadSize int) *Validator {
	return &Validator{maxPayloadSize: maxPayloadSize}
}

// ValidateFileName rejects names that could escape the data directory or break directory keys
func (v *Validator) ValidateFileName(name string) error {
	if name == "" {
		return fserrors.InvalidFileName(name, "file name cannot be empty")
	}
	if len(name) > MaxFileNameSize {
		return fserrors.InvalidFileName(name, "file name too long")
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fserrors.InvalidFileName(name, "file name cannot contain '..'")
	}
	if strings.ContainsAny(name, `/\`) {
		return fserrors.InvalidFileName(name, "file name cannot contain path separators")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fserrors.InvalidFileName(name, "file name cannot contain control characters")
		}
	}
	return nil
}

// ValidatePayload checks the payload size
func (v *Validator) ValidatePayload(data []byte) error {
	if v.maxPayloadSize > 0 && len(data) > v.maxPayloadSize {
		return fserrors.PayloadTooLarge(len(data), v.maxPayloadSize)
	}
	return nil
}
