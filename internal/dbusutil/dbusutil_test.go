package dbusutil

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestIsStandardInterface(t *testing.T) {
	tests := []struct {
		iface string
		want  bool
	}{
		{"org.freedesktop.DBus.Introspectable", true},
		{"org.freedesktop.DBus.Peer", true},
		{"org.freedesktop.DBus.Properties", true},
		{"org.freedesktop.DBus.ObjectManager", false},
		{"com.example.I.Greeter", false},
	}
	for _, tc := range tests {
		if got := IsStandardInterface(tc.iface); got != tc.want {
			t.Errorf("IsStandardInterface(%q) = %v, want %v", tc.iface, got, tc.want)
		}
	}
}

func TestSanitizeSender(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{":1.42", "_1_42"},
		{":1.10", "_1_10"},
		{"org.freedesktop.NetworkManager", "org_freedesktop_NetworkManager"},
	}
	for _, tc := range tests {
		if got := SanitizeSender(tc.in); got != tc.want {
			t.Errorf("SanitizeSender(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base    dbus.ObjectPath
		segment string
		want    dbus.ObjectPath
	}{
		{"/org/freedesktop/NetworkManager/SecretAgent", "_1_10", "/org/freedesktop/NetworkManager/SecretAgent/_1_10"},
		{"/a/", "b", "/a/b"},
	}
	for _, tc := range tests {
		if got := JoinPath(tc.base, tc.segment); got != tc.want {
			t.Errorf("JoinPath(%q, %q) = %q, want %q", tc.base, tc.segment, got, tc.want)
		}
	}
}

func TestIsUniqueName(t *testing.T) {
	if !IsUniqueName(":1.42") {
		t.Error("expected :1.42 to be a unique name")
	}
	if IsUniqueName("org.freedesktop.NetworkManager") {
		t.Error("expected well-known name to not be unique")
	}
}

func TestAsDBusError(t *testing.T) {
	derr := &dbus.Error{Name: "com.example.E.Refused", Body: []interface{}{"nope"}}
	got, ok := AsDBusError(derr)
	if !ok || got.Name != "com.example.E.Refused" {
		t.Fatalf("AsDBusError(*dbus.Error) = %v, %v", got, ok)
	}

	got, ok = AsDBusError(*derr)
	if !ok || got.Name != "com.example.E.Refused" {
		t.Fatalf("AsDBusError(dbus.Error) = %v, %v", got, ok)
	}

	if _, ok := AsDBusError(nil); ok {
		t.Error("expected nil error to not convert")
	}
}
