/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package discovery

import "testing"

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
		wantID int
		wantOK bool
	}{
		{"valid", []string{"id=7"}, 7, true},
		{"among others", []string{"version=1.0", "id=3"}, 3, true},
		{"missing", []string{"version=1.0"}, 0, false},
		{"malformed", []string{"id=not-a-number"}, 0, false},
		{"empty", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := parseNodeID(tt.fields)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("parseNodeID(%v) = (%d, %v), want (%d, %v)", tt.fields, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
