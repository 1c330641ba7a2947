package validation

import (
	"fmt"
	"strings"
)

const (
	userCodeMinLen = 6
	userCodeMaxLen = 32

	deviceIDMaxLen = 64
)

// UserCode checks the account short-code the companion app displays.
// The server never interprets the code, the cloud does; this only
// rejects input that cannot possibly be one.
func UserCode(code string) error {
	if code == "" {
		return fmt.Errorf("user code is required")
	}
	if len(code) < userCodeMinLen || len(code) > userCodeMaxLen {
		return fmt.Errorf("user code must be %d to %d characters", userCodeMinLen, userCodeMaxLen)
	}
	for _, r := range code {
		if !isCodeRune(r) {
			return fmt.Errorf("user code contains invalid character %q", r)
		}
	}
	return nil
}

// DeviceID checks a vendor-assigned device identifier.
func DeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	if len(id) > deviceIDMaxLen {
		return fmt.Errorf("device id too long")
	}
	if strings.ContainsAny(id, " \t\n/") {
		return fmt.Errorf("device id contains invalid characters")
	}
	return nil
}

func isCodeRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	}
	return false
}
