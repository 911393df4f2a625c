package caskstore

import (
	"bytes"
	"fmt"
	"testing"
)

func TestForceMergePreservesLiveData(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(128))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Overwrite half the keys so the overwritten originals become dead
	// weight for merge to reclaim.
	for i := 0; i < n/2; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("updated-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put (update): %v", err)
		}
	}

	if err := e.ForceMerge(); err != nil {
		t.Fatalf("ForceMerge: %v", err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		var want []byte
		if i < n/2 {
			want = []byte(fmt.Sprintf("updated-%03d", i))
		} else {
			want = []byte(fmt.Sprintf("value-%03d", i))
		}
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) after merge: %v", key, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%s) = %q, want %q", key, got, want)
		}
	}
}

func TestForceMergeDropsTombstones(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(64))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Delete(key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	if err := e.ForceMerge(); err != nil {
		t.Fatalf("ForceMerge: %v", err)
	}

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		_, err := e.Get(key)
		if i < 20 {
			if err == nil {
				t.Errorf("Get(%s) succeeded after merge, want ErrKeyNotFound (deleted)", key)
			}
		} else if err != nil {
			t.Errorf("Get(%s) after merge: %v", key, err)
		}
	}
}

func TestMergeIfNeededSkipsWhenNothingIsInactive(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(1<<20))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Everything written so far lives in the still-active file "0", so
	// there are no inactive files at all for MergeIfNeeded to consider,
	// regardless of threshold.
	if err := e.MergeIfNeeded(0); err != nil {
		t.Fatalf("MergeIfNeeded: %v", err)
	}
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, err := e.Get(key); err != nil {
			t.Errorf("Get(%s): %v", key, err)
		}
	}
}

func TestMergeIfNeededSkipsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(128))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const n = 60
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("updated-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put (update): %v", err)
		}
	}

	before, err := e.io.ListInactiveFiles()
	if err != nil {
		t.Fatalf("ListInactiveFiles: %v", err)
	}
	if len(before) < 2 {
		t.Fatalf("test setup: want at least 2 inactive files, got %d", len(before))
	}

	// A threshold above every file's dead-byte count means nothing
	// qualifies, so the merge must be skipped entirely.
	if err := e.MergeIfNeeded(1 << 30); err != nil {
		t.Fatalf("MergeIfNeeded: %v", err)
	}
	after, err := e.io.ListInactiveFiles()
	if err != nil {
		t.Fatalf("ListInactiveFiles: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("MergeIfNeeded with an unreachable threshold changed inactive file count: %d -> %d", len(before), len(after))
	}
}

func TestMergeIfNeededMergesWhenTwoOrMoreFilesQualify(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(128))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("updated-%03d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put (update): %v", err)
		}
	}

	before, err := e.io.ListInactiveFiles()
	if err != nil {
		t.Fatalf("ListInactiveFiles: %v", err)
	}
	if len(before) < 2 {
		t.Fatalf("test setup: want at least 2 inactive files, got %d", len(before))
	}

	// A threshold of 0 means any file with so much as one dead byte
	// qualifies, which every rewritten file here does.
	if err := e.MergeIfNeeded(0); err != nil {
		t.Fatalf("MergeIfNeeded: %v", err)
	}

	after, err := e.io.ListInactiveFiles()
	if err != nil {
		t.Fatalf("ListInactiveFiles: %v", err)
	}
	if len(after) >= len(before) {
		t.Errorf("MergeIfNeeded(0) left %d inactive files, want fewer than %d", len(after), len(before))
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		want := []byte(fmt.Sprintf("updated-%03d", i))
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) after MergeIfNeeded: %v", key, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%s) = %q, want %q", key, got, want)
		}
	}
}

func TestForceMergeThenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMaxFileSize(128))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 60; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		value := []byte(fmt.Sprintf("value-%02d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := e.ForceMerge(); err != nil {
		t.Fatalf("ForceMerge: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	for i := 0; i < 60; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		want := []byte(fmt.Sprintf("value-%02d", i))
		got, err := e2.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) after reopen: %v", key, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%s) = %q, want %q", key, got, want)
		}
	}
}

func TestForceMergeNoopWhenNothingInactive(t *testing.T) {
	e := openTestEngine(t)
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.ForceMerge(); err != nil {
		t.Fatalf("ForceMerge on a store with no inactive files: %v", err)
	}
	got, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Errorf("Get = %q, want %q", got, "v")
	}
}
