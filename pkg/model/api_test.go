package model

import (
	"errors"
	"testing"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ListOptions{Limit: 0, Offset: 0}, 20, 0},
		{"negative limit", ListOptions{Limit: -5, Offset: 0}, 20, 0},
		{"over max", ListOptions{Limit: 200, Offset: 0}, 100, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"valid", ListOptions{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestNewAPIError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
		wantZone string
	}{
		{"queue error", NewQueueError(CodeMissingAssignment, "z1", "zone 'z1' has no tool assignment"), CodeMissingAssignment, "z1"},
		{"wrapped not found", errors.Join(errors.New("lookup"), NewNotFoundError("qz_1")), CodeZoneNotFound, "qz_1"},
		{"transition", &InvalidTransitionError{Entity: "queue", ID: "q", From: "cancelled", To: "running"}, CodeInvalidTransition, ""},
		{"other", errors.New("disk full"), CodeInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAPIError(tt.err)
			if got.Code != tt.wantCode || got.ZoneID != tt.wantZone {
				t.Errorf("NewAPIError = %+v, want code %s zone %q", got, tt.wantCode, tt.wantZone)
			}
			if got.Message == "" {
				t.Error("empty message")
			}
		})
	}
}
