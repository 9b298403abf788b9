package auth

import (
	"path/filepath"
	"testing"
)

func TestStoreSaveAndLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "auth.db"), false)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if err := store.SaveCredentials("alice", 1, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	authType, data, ok, err := store.LoadCredentials("alice")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if !ok {
		t.Fatalf("expected credentials to be found")
	}
	if authType != 1 {
		t.Fatalf("authType = %d, want 1", authType)
	}
	if string(data) != "\xde\xad" {
		t.Fatalf("data mismatch: %x", data)
	}
}

func TestStoreLoadMissingReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "auth.db"), false)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	_, _, ok, err := store.LoadCredentials("nobody")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if ok {
		t.Fatalf("expected no credentials for unknown user")
	}
}

func TestStoreSaveUpsertsExistingUser(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "auth.db"), false)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if err := store.SaveCredentials("bob", 0, []byte("first")); err != nil {
		t.Fatalf("SaveCredentials first: %v", err)
	}
	if err := store.SaveCredentials("bob", 1, []byte("second")); err != nil {
		t.Fatalf("SaveCredentials second: %v", err)
	}

	authType, data, ok, err := store.LoadCredentials("bob")
	if err != nil || !ok {
		t.Fatalf("LoadCredentials: ok=%v err=%v", ok, err)
	}
	if authType != 1 || string(data) != "second" {
		t.Fatalf("expected upsert to second value, got authType=%d data=%q", authType, data)
	}
}
