package pebblestore

import (
	"bytes"
	"errors"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("got %q", got)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeleteRange(t *testing.T) {
	db := openTestDB(t)
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		if err := db.Set([]byte(k), []byte("x")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := db.DeleteRange([]byte("a/"), []byte("a0")); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if _, err := db.Get([]byte("a/1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("a/1 should be gone")
	}
	if _, err := db.Get([]byte("b/1")); err != nil {
		t.Fatalf("b/1 should survive: %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	db := openTestDB(t)
	if err := db.CheckHealth(); err != nil {
		t.Fatalf("health: %v", err)
	}
}
