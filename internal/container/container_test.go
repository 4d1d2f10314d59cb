package container

import (
	"testing"
)

func TestIdentityLabelsRoundTrip(t *testing.T) {
	id := Identity{
		Name:              "researcher",
		Owner:             "user-1",
		Kind:              "llm",
		CPUs:              1.5,
		MemoryMB:          2048,
		APIKeyMode:        "platform",
		CapabilityProfile: ProfileRestricted,
	}

	labels := id.Labels()
	if labels[LabelName] != "researcher" || labels[LabelCPU] != "1.5" || labels[LabelMemory] != "2048" {
		t.Fatalf("unexpected labels: %v", labels)
	}

	got, err := ParseIdentity(labels)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if *got != id {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", *got, id)
	}
}

func TestParseIdentityRejectsBadLabels(t *testing.T) {
	if _, err := ParseIdentity(map[string]string{LabelOwner: "u"}); err == nil {
		t.Error("expected error for missing name label")
	}
	if _, err := ParseIdentity(map[string]string{
		LabelName: "a",
		LabelCPU:  "lots",
	}); err == nil {
		t.Error("expected error for non-numeric cpu label")
	}
	if _, err := ParseIdentity(map[string]string{
		LabelName:              "a",
		LabelCapabilityProfile: "everything",
	}); err == nil {
		t.Error("expected error for unknown capability profile")
	}
}

func TestCapabilityPresets(t *testing.T) {
	if _, err := ParseProfile("privileged"); err == nil {
		t.Error("ad-hoc profile names must be rejected")
	}

	restricted, err := ParseProfile("restricted")
	if err != nil {
		t.Fatalf("parse restricted: %v", err)
	}
	if got := restricted.CapDrop(); len(got) != 1 || got[0] != "ALL" {
		t.Fatalf("restricted must drop all, got %v", got)
	}
	if got := restricted.CapAdd(); len(got) != 1 || got[0] != "NET_BIND_SERVICE" {
		t.Fatalf("unexpected restricted cap set: %v", got)
	}

	full, err := ParseProfile("full")
	if err != nil {
		t.Fatalf("parse full: %v", err)
	}
	fullCaps := map[string]bool{}
	for _, c := range full.CapAdd() {
		fullCaps[c] = true
	}
	for _, want := range []string{"NET_BIND_SERVICE", "SETGID", "SETUID", "CHOWN", "SYS_CHROOT", "AUDIT_WRITE"} {
		if !fullCaps[want] {
			t.Errorf("full profile missing %s", want)
		}
	}
	if len(full.CapAdd()) != 6 {
		t.Errorf("full profile carries extra capabilities: %v", full.CapAdd())
	}

	// mutating a returned slice must not leak into the preset
	caps := restricted.CapAdd()
	caps[0] = "SYS_ADMIN"
	if restricted.CapAdd()[0] != "NET_BIND_SERVICE" {
		t.Error("preset slice aliasing detected")
	}
}
