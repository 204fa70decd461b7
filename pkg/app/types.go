package app

import (
	"fmt"
	"path/filepath"
)

// DumpTarget names the flash dump a command operates on
type DumpTarget struct {
	Path string
	// Save writes the dump back after the command modified flash
	Save bool
}

// Validate ensures the dump target is usable
func (d *DumpTarget) Validate() error {
	if d.Path == "" {
		return NewError(ErrCodeInvalidInput, "flash dump path is required", nil)
	}
	return nil
}

// String returns the base name of the dump
func (d *DumpTarget) String() string {
	return filepath.Base(d.Path)
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeFlashAccess   = "FLASH_ACCESS"
	ErrCodePartitions    = "PARTITION_TABLE"
	ErrCodeNoBootable    = "NO_BOOTABLE_IMAGE"
	ErrCodeImageInvalid  = "IMAGE_INVALID"
	ErrCodeJournal       = "JOURNAL"
	ErrCodeNotConfigured = "NOT_CONFIGURED"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
