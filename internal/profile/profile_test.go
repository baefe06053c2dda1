package profile

import (
	"testing"

	daemonErrors "github.com/powerprofiles/daemon/internal/errors"
)

func TestProfileString(t *testing.T) {
	tests := []struct {
		p    Profile
		want string
	}{
		{PowerSaver, "power-saver"},
		{Balanced, "balanced"},
		{Performance, "performance"},
		{PowerSaver | Balanced, ""},
		{0, ""},
	}

	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Profile(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		want    Profile
		wantErr bool
	}{
		{"power-saver", PowerSaver, false},
		{"balanced", Balanced, false},
		{"performance", Performance, false},
		{"turbo", 0, true},
		{"", 0, true},
		{"Balanced", 0, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error", tt.name)
				continue
			}
			if !daemonErrors.IsCode(err, daemonErrors.CodeValidationUnknownProfile) {
				t.Errorf("Parse(%q) code = %q, want validation.unknown_profile", tt.name, daemonErrors.GetCode(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestIsSingle(t *testing.T) {
	if !PowerSaver.IsSingle() || !Balanced.IsSingle() || !Performance.IsSingle() {
		t.Error("single flags should report IsSingle")
	}
	if (PowerSaver | Performance).IsSingle() {
		t.Error("combined flags should not report IsSingle")
	}
	if Profile(0).IsSingle() {
		t.Error("empty set should not report IsSingle")
	}
	if Profile(1 << 5).IsSingle() {
		t.Error("undefined flag should not report IsSingle")
	}
}

func TestHas(t *testing.T) {
	set := Balanced | Performance
	if !set.Has(Balanced) || !set.Has(Performance) {
		t.Error("set should contain its members")
	}
	if set.Has(PowerSaver) {
		t.Error("set should not contain power-saver")
	}
	if !All.Has(Baseline) {
		t.Error("All should cover Baseline")
	}
}

func TestHoldable(t *testing.T) {
	if !PowerSaver.Holdable() || !Performance.Holdable() {
		t.Error("power-saver and performance should be holdable")
	}
	if Balanced.Holdable() {
		t.Error("balanced should not be holdable")
	}
}

func TestSetString(t *testing.T) {
	tests := []struct {
		p    Profile
		want string
	}{
		{Baseline, "power-saver+balanced"},
		{All, "power-saver+balanced+performance"},
		{Performance, "performance"},
		{0, ""},
	}

	for _, tt := range tests {
		if got := tt.p.SetString(); got != tt.want {
			t.Errorf("SetString() = %q, want %q", got, tt.want)
		}
	}
}

func TestReasonStrings(t *testing.T) {
	if ReasonUser.String() != "user" || ReasonInternal.String() != "internal" ||
		ReasonHold.String() != "hold" || ReasonReset.String() != "reset" ||
		ReasonResume.String() != "resume" {
		t.Error("activation reason strings mismatch")
	}
	if PowerUnknown.String() != "unknown" || PowerAC.String() != "ac" || PowerBattery.String() != "battery" {
		t.Error("power reason strings mismatch")
	}
	if ProbeSuccess.String() != "success" || ProbeFail.String() != "fail" || ProbeDefer.String() != "defer" {
		t.Error("probe result strings mismatch")
	}
}
