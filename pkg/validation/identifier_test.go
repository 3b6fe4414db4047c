// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateModelName(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantErr bool
	}{
		// Valid names
		{"simple", "llama", false},
		{"single char", "m", false},
		{"with digits", "llama3", false},
		{"dotted", "llama3.1", false},
		{"hyphenated", "mistral-large", false},
		{"underscored", "code_assist", false},
		{"max length", strings.Repeat("a", 64), false},

		// Invalid names - key and log injection attempts
		{"empty", "", true},
		{"key separator", "llama/../other", true},
		{"path traversal", "../etc/passwd", true},
		{"uppercase", "Llama", true},
		{"too long", strings.Repeat("a", 65), true},
		{"spaces", "my model", true},
		{"newline injection", "llama\nfake=entry", true},
		{"starts with dot", ".llama", true},
		{"starts with hyphen", "-llama", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelName(tt.model)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModelName(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
			}
		})
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"release", "1.0.0", false},
		{"multi digit", "10.22.301", false},
		{"prerelease", "2.1.0-rc.1", false},
		{"prerelease alpha", "1.0.0-alpha", false},

		{"empty", "", true},
		{"missing patch", "1.0", true},
		{"leading v", "v1.0.0", true},
		{"key separator", "1.0.0/extra", true},
		{"spaces", "1.0.0 beta", true},
		{"long suffix", "1.0.0-" + strings.Repeat("x", 40), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVersion(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeModelName(t *testing.T) {
	got, err := SanitizeModelName("  Llama3.1  ")
	if err != nil {
		t.Fatalf("SanitizeModelName failed: %v", err)
	}
	if got != "llama3.1" {
		t.Errorf("SanitizeModelName = %q, want %q", got, "llama3.1")
	}

	if _, err := SanitizeModelName("bad/name"); err == nil {
		t.Error("SanitizeModelName should reject names with '/'")
	}
}
