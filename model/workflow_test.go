package model

import "testing"

func TestValidateWorkItemID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"wi-1", false},
		{"configuration-review", false},
		{"emea:configuration:1", false},
		{"", true},
		{"  ", true},
		{"configuration:@global", true},
		{"configuration:emea", true},
	}
	for _, tt := range tests {
		err := ValidateWorkItemID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateWorkItemID(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
		if err != nil && !IsCode(err, ErrBadRequest) {
			t.Errorf("ValidateWorkItemID(%q) code = %s", tt.id, CodeOf(err))
		}
	}
}
