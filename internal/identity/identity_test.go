package identity

import "testing"

func TestIdentityString(t *testing.T) {
	cases := []struct {
		id   Identity
		want string
	}{
		{User("u1", false), "user:u1"},
		{Agent("alpha"), "agent:alpha"},
		{System(), "system"},
	}
	for _, tc := range cases {
		if got := tc.id.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestIdentityTrigger(t *testing.T) {
	if got := Agent("alpha").Trigger(); got != TriggerAgent {
		t.Errorf("agent trigger = %q, want %q", got, TriggerAgent)
	}
	if got := User("u1", true).Trigger(); got != TriggerUser {
		t.Errorf("user trigger = %q, want %q", got, TriggerUser)
	}
	if got := System().Trigger(); got != TriggerSystem {
		t.Errorf("system trigger = %q, want %q", got, TriggerSystem)
	}
}

func TestIdentitySourceAgent(t *testing.T) {
	if got := Agent("alpha").SourceAgent(); got != "alpha" {
		t.Errorf("SourceAgent() = %q, want alpha", got)
	}
	if got := User("u1", false).SourceAgent(); got != "" {
		t.Errorf("SourceAgent() = %q, want empty", got)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	clear, hash, err := NewAPIKey("agent")
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	if clear == "" || hash == "" {
		t.Fatalf("expected non-empty key and hash")
	}
	if clear == hash {
		t.Fatalf("hash must not equal the clear value")
	}
	if !VerifyAPIKey(hash, clear) {
		t.Fatalf("expected key to verify against its hash")
	}
	if VerifyAPIKey(hash, clear+"x") {
		t.Fatalf("expected tampered key to fail verification")
	}
}
