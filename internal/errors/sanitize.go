// Package errors keeps internal details out of error messages returned to API
// clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match storage driver and credential details
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|sqlite|pq:|clickhouse|code: \d+|database:|connection string|dsn|password=|secret=|token=|api[_-]?key=)`)
)

var productionMode atomic.Bool

// SetProductionMode switches sanitization on. It is called once at startup
// from the server configuration.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction reports whether errors are sanitized.
func IsProduction() bool {
	return productionMode.Load()
}

// SanitizeError removes sensitive information from err. Outside production
// mode the error is returned unchanged.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !IsProduction() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString removes sensitive information from a string.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	// Remove absolute file paths, keep only filename
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Mask IP addresses (keep first two octets for debugging context)
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})

	if internalErrorPattern.MatchString(s) {
		s = "storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal server error - operation failed"
	}

	return s
}

// userFacing lists message fragments that are safe to show as they are.
var userFacing = []string{
	"not found",
	"invalid",
	"is required",
	"unknown action type",
	"status regression",
	"cycle in progress",
	"unauthorized",
	"forbidden",
}

// SafeErrorMessage returns a user-safe error message. Validation and lookup
// failures pass through; everything else is sanitized.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	if !internalErrorPattern.MatchString(msg) {
		for _, safe := range userFacing {
			if strings.Contains(lower, safe) {
				return msg
			}
		}
	}
	return SanitizeString(msg)
}
