package config

import "testing"

func TestValidateRejectsReservedCharacters(t *testing.T) {
	c := Defaults()
	c.Domain = "my+domain"
	c.Agent = "agent1"
	c.Token = "tok"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for domain containing reserved character")
	}
}

func TestValidateRejectsBothAuthModes(t *testing.T) {
	c := Defaults()
	c.Domain = "d1"
	c.Agent = "a1"
	c.Token = "tok"
	c.Username = "u"
	c.Password = "p"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when both token and username/password set")
	}
}

func TestValidateAcceptsTokenAuth(t *testing.T) {
	c := Defaults()
	c.Domain = "d1"
	c.Agent = "a1"
	c.Token = "tok"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMergeFromPrefersOverride(t *testing.T) {
	base := Defaults()
	base.Domain = "d1"
	base.Agent = "a1"

	override := Config{Broker: "mqtt://localhost:1883", BestEffort: true}
	merged := base.MergeFrom(override)

	if merged.Domain != "d1" || merged.Agent != "a1" {
		t.Fatalf("expected base fields preserved, got %+v", merged)
	}
	if merged.Broker != "mqtt://localhost:1883" {
		t.Fatalf("expected broker overridden, got %q", merged.Broker)
	}
	if !merged.BestEffort {
		t.Fatalf("expected best effort overridden to true")
	}
}
