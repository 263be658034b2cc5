package sip

import (
	"io"
	"log/slog"
	"testing"
)

func TestACLCheck(t *testing.T) {
	a := NewACL("lan", false)
	if err := a.Add(true, "192.168.0.0/16"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := a.Add(false, "192.168.99.0/24"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := a.Add(true, "10.0.0.5"); err != nil {
		t.Fatalf("Add plain IP failed: %v", err)
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"192.168.1.10", true},
		{"192.168.99.10", true}, // first match wins, /16 precedes /24 deny
		{"10.0.0.5", true},
		{"10.0.0.6", false}, // default deny
		{"192.168.1.10:5060", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := a.Check(tt.addr); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestACLFirstMatchWins(t *testing.T) {
	a := NewACL("ordered", true)
	if err := a.Add(false, "10.0.0.0/8"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := a.Add(true, "10.1.0.0/16"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if a.Check("10.1.2.3") {
		t.Error("deny node listed first should win over later allow")
	}
	if !a.Check("172.16.0.1") {
		t.Error("unmatched address should get the default allow")
	}
}

func TestACLAddInvalid(t *testing.T) {
	a := NewACL("bad", false)
	if err := a.Add(true, "not-a-cidr"); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestACLSetCheck(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	set := NewACLSet(logger)

	lan := NewACL("lan", false)
	if err := lan.Add(true, "192.168.0.0/16"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	set.Put(lan)

	tests := []struct {
		name   string
		tokens []string
		addr   string
		want   bool
	}{
		{"empty list admits all", nil, "203.0.113.5", true},
		{"named acl pass", []string{"lan"}, "192.168.1.1", true},
		{"named acl fail", []string{"lan"}, "203.0.113.5", false},
		{"literal cidr token", []string{"203.0.113.0/24"}, "203.0.113.5", true},
		{"first passing token admits", []string{"lan", "203.0.113.0/24"}, "203.0.113.5", true},
		{"unknown token skipped", []string{"no-such-acl"}, "203.0.113.5", false},
		{"bad source address denied", []string{"lan"}, "garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := set.Check(tt.tokens, tt.addr); got != tt.want {
				t.Errorf("Check(%v, %q) = %v, want %v", tt.tokens, tt.addr, got, tt.want)
			}
		})
	}
}

func TestACLSetGet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	set := NewACLSet(logger)
	set.Put(NewACL("lan", true))

	if a, ok := set.Get("lan"); !ok || a.Name() != "lan" {
		t.Fatal("Get did not return the registered ACL")
	}
	if _, ok := set.Get("wan"); ok {
		t.Fatal("Get returned an unregistered ACL")
	}
}
