package keymanager

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestStoreAndRetrieve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")
	m := New(path)

	if err := m.Unlock("master-pass"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !m.IsUnlocked() {
		t.Fatal("IsUnlocked() = false after Unlock")
	}

	if err := m.Store("openrouter", "prod key", "sk-or-abc123"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := m.Get("openrouter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "sk-or-abc123" {
		t.Errorf("Get() = %q, want original key", got)
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")

	m1 := New(path)
	if err := m1.Unlock("master-pass"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	m1.Store("ollama", "", "local-key")
	m1.Lock()

	m2 := New(path)
	if err := m2.Unlock("master-pass"); err != nil {
		t.Fatalf("second Unlock() error = %v", err)
	}
	got, err := m2.Get("ollama")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "local-key" {
		t.Errorf("Get() = %q, want local-key", got)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.enc")

	m1 := New(path)
	m1.Unlock("correct")
	m1.Store("p", "", "secret")
	m1.Lock()

	m2 := New(path)
	if err := m2.Unlock("wrong"); err == nil {
		t.Fatal("Unlock() with wrong password = nil, want error")
	}
	if m2.IsUnlocked() {
		t.Error("IsUnlocked() = true after failed Unlock")
	}
}

func TestLockedOperations(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "keys.enc"))

	if err := m.Store("p", "", "k"); !errors.Is(err, ErrLocked) {
		t.Errorf("Store() while locked = %v, want ErrLocked", err)
	}
	if _, err := m.Get("p"); !errors.Is(err, ErrLocked) {
		t.Errorf("Get() while locked = %v, want ErrLocked", err)
	}
	if _, err := m.List(); !errors.Is(err, ErrLocked) {
		t.Errorf("List() while locked = %v, want ErrLocked", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "keys.enc"))
	m.Unlock("pass")
	m.Store("a", "first", "key-a")
	m.Store("b", "second", "key-b")

	entries, err := m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(entries))
	}
	// Sorted by provider and no credential material.
	if entries[0].Provider != "a" || entries[1].Provider != "b" {
		t.Errorf("order = %s,%s, want a,b", entries[0].Provider, entries[1].Provider)
	}
	for _, e := range entries {
		if e.EncryptedData != "" {
			t.Errorf("List() leaked encrypted data for %s", e.Provider)
		}
	}

	if err := m.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Get("a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after delete = %v, want ErrKeyNotFound", err)
	}
	if err := m.Delete("a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Delete() = %v, want ErrKeyNotFound", err)
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sk-or-abc12345", "**********2345"},
		{"abcd", "****"},
		{"ab", "**"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskedLookup(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "keys.enc"))
	m.Unlock("pass")
	m.Store("openrouter", "", "sk-or-abc12345")

	masked, err := m.Masked("openrouter")
	if err != nil {
		t.Fatalf("Masked() error = %v", err)
	}
	if masked != "**********2345" {
		t.Errorf("Masked() = %q, want suffix-only", masked)
	}
}
