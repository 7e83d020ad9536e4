package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempModule(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controller.wasm")
	if err := os.WriteFile(path, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestModuleFlagDefaultsToWazero(t *testing.T) {
	path := writeTempModule(t)
	var m moduleFlag
	if err := m.Set("demo=" + path); err != nil {
		t.Fatalf("Set() err = %v", err)
	}
	if len(m) != 1 || m[0].Name != "demo" {
		t.Fatalf("m = %+v, want one spec named demo", m)
	}
	if m[0].Engine.Name() != "wazero" {
		t.Fatalf("Engine.Name() = %q, want wazero", m[0].Engine.Name())
	}
}

func TestModuleFlagRejectsMalformedValue(t *testing.T) {
	var m moduleFlag
	if err := m.Set("no-equals-sign"); err == nil {
		t.Fatal("Set() err = nil, want an error for a value with no name=path")
	}
}

func TestModuleFlagRejectsUnknownEngine(t *testing.T) {
	path := writeTempModule(t)
	var m moduleFlag
	if err := m.Set("demo=" + path + ":nonexistent"); err == nil {
		t.Fatal("Set() err = nil, want an error for an unregistered engine name")
	}
}

func TestModuleFlagRejectsMissingFile(t *testing.T) {
	var m moduleFlag
	if err := m.Set("demo=/nonexistent/path.wasm"); err == nil {
		t.Fatal("Set() err = nil, want an error for a missing module file")
	}
}

func TestModuleFlagStringJoinsNames(t *testing.T) {
	path := writeTempModule(t)
	var m moduleFlag
	if err := m.Set("a=" + path); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("b=" + path); err != nil {
		t.Fatal(err)
	}
	if got := m.String(); got != "a,b" {
		t.Fatalf("String() = %q, want a,b", got)
	}
}
