package fireplace

import (
	"errors"
	"testing"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    State
		wantErr bool
	}{
		{
			"cloud shape with string flags",
			`{"power":"1","height":"3","fanspeed":"2","light":"0","timestamp":1712345678}`,
			State{Power: true, AckPower: true, Height: 3, FanSpeed: 2, Timestamp: 1712345678},
			false,
		},
		{
			"numeric fields",
			`{"power":0,"height":0,"fanspeed":0,"light":1}`,
			State{Light: true},
			false,
		},
		{
			"missing fields default to off",
			`{}`,
			State{},
			false,
		},
		{
			"height out of range",
			`{"power":"1","height":"9"}`,
			State{},
			true,
		},
		{
			"fanspeed out of range",
			`{"fanspeed":"-1"}`,
			State{},
			true,
		},
		{
			"bad flag",
			`{"power":"maybe"}`,
			State{},
			true,
		},
		{
			"not json",
			`<html>`,
			State{},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseState([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrBadPayload) {
					t.Errorf("error %v is not ErrBadPayload", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseState() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseStateAckMirrorsPower(t *testing.T) {
	st, err := ParseState([]byte(`{"power":"1","height":"4"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !st.AckPower {
		t.Error("AckPower should mirror wire power on decode")
	}
}

func TestParseSerial(t *testing.T) {
	serial, err := ParseSerial([]byte(`{"serial":"ABC123","power":"1","height":"3"}`))
	if err != nil {
		t.Fatal(err)
	}
	if serial != "ABC123" {
		t.Errorf("serial = %q, want %q", serial, "ABC123")
	}

	if _, err := ParseSerial([]byte(`{"power":"1"}`)); err == nil {
		t.Error("expected error for body without serial")
	}
}
