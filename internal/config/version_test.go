package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		reason  string
	}{
		{"current", CurrentVersion, ""},
		{"zero", 0, "missing or outdated"},
		{"negative", -1, "missing or outdated"},
		{"newer", CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) error = %v", tt.version, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %T, want *VersionError", err)
			}
			if ve.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", ve.Reason, tt.reason)
			}
		})
	}
}

func TestVersionError_Messages(t *testing.T) {
	var nilErr *VersionError
	if got := nilErr.Error(); got != "" {
		t.Errorf("nil VersionError = %q, want empty", got)
	}
	if msg := (&VersionError{Version: 0, Current: 1}).Error(); !strings.Contains(msg, "unsupported") {
		t.Errorf("empty reason message = %q", msg)
	}
	newer := &VersionError{Version: 2, Current: 1, Reason: "newer than this build"}
	if !strings.Contains(newer.Error(), "upgrade coderide") {
		t.Errorf("newer message = %q", newer.Error())
	}
}
