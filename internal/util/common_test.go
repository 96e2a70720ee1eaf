package util

import (
	"path/filepath"
	"testing"
)

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "rel/data"); got != filepath.Join("/base", "rel", "data") {
		t.Fatalf("relative path wrong: %s", got)
	}
	if got := ResolvePath("/base", "/abs/data"); got != filepath.Clean("/abs/data") {
		t.Fatalf("absolute path not honored: %s", got)
	}
}

func TestValidateRoomName(t *testing.T) {
	name, err := ValidateRoomName("  orbit-standup  ")
	if err != nil {
		t.Fatal(err)
	}
	if name != "orbit-standup" {
		t.Fatalf("not trimmed: %q", name)
	}

	for _, bad := range []string{"", "   ", "a b", "a/b", `a\b`, "a..b"} {
		if _, err := ValidateRoomName(bad); err == nil {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestDeriveID(t *testing.T) {
	a := DeriveID("Sam", "standup", "salt-1")
	if len(a) != 16 {
		t.Fatalf("unexpected id length: %d", len(a))
	}
	if a != DeriveID("Sam", "standup", "salt-1") {
		t.Fatal("id not stable")
	}
	// Same name, different install or room: distinct identities.
	if a == DeriveID("Sam", "standup", "salt-2") {
		t.Fatal("salt ignored")
	}
	if a == DeriveID("Sam", "retro", "salt-1") {
		t.Fatal("room ignored")
	}
}
