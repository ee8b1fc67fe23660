package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCommitFileAndHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, changed, err := svc.CommitFile("room-1", "main.go", "package main\n", "Avery", "")
	if err != nil {
		t.Fatalf("CommitFile() error = %v", err)
	}
	if !changed || first.Hash == "" {
		t.Fatalf("CommitFile() = %+v, changed=%v", first, changed)
	}
	if first.Message != "Update main.go" {
		t.Fatalf("default message = %q", first.Message)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	second, changed, err := svc.CommitFile("room-1", "main.go", "package main\n\nfunc main() {}\n", "Blake", "session flush")
	if err != nil || !changed {
		t.Fatalf("CommitFile() second = %v, changed=%v", err, changed)
	}
	if _, _, err := svc.CommitFile("room-1", "other.go", "package main\n", "Avery", ""); err != nil {
		t.Fatalf("CommitFile(other.go) error = %v", err)
	}

	history, err := svc.History("room-1", "main.go", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2 (other.go excluded)", len(history))
	}
	if history[0].Hash != second.Hash || history[0].Author != "Blake" {
		t.Fatalf("History()[0] = %+v, want newest first", history[0])
	}

	old, err := svc.FileAt("room-1", "main.go", first.Hash)
	if err != nil {
		t.Fatalf("FileAt() error = %v", err)
	}
	if old != "package main\n" {
		t.Fatalf("FileAt() = %q", old)
	}
}

func TestCommitFileSkipsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())

	first, _, err := svc.CommitFile("room-1", "a.txt", "same", "Avery", "")
	if err != nil {
		t.Fatalf("CommitFile() error = %v", err)
	}
	again, changed, err := svc.CommitFile("room-1", "a.txt", "same", "Avery", "")
	if err != nil {
		t.Fatalf("CommitFile() repeat error = %v", err)
	}
	if changed || again.Hash != first.Hash {
		t.Fatalf("repeat commit = %+v changed=%v, want head %s unchanged", again, changed, first.Hash)
	}
}

func TestNestedFileNames(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.CommitFile("room-1", "src/app.ts", "export {}", "Avery", ""); err != nil {
		t.Fatalf("CommitFile(nested) error = %v", err)
	}
	history, err := svc.History("room-1", "src/app.ts", 0)
	if err != nil || len(history) != 1 {
		t.Fatalf("History(nested) = %v, %v", history, err)
	}
}

func TestCleanPathRejectsEscapes(t *testing.T) {
	cases := map[string]string{
		"main.go":          "main.go",
		"../../etc/passwd": "etc/passwd",
		"/abs/file.txt":    "abs/file.txt",
		`win\style.txt`:    "win/style.txt",
	}
	for in, want := range cases {
		got, err := cleanPath(in)
		if err != nil || got != want {
			t.Fatalf("cleanPath(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", "..", ".git", ".git/config"} {
		if _, err := cleanPath(bad); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("cleanPath(%q) error = %v, want ErrInvalidPath", bad, err)
		}
	}
}

func TestHistoryForUnknownRoomIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("nope", "main.go", 5)
	if err != nil || len(history) != 0 {
		t.Fatalf("History() = %v, %v", history, err)
	}
	if _, err := svc.FileAt("nope", "main.go", "abc1234"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("FileAt() error = %v, want ErrNoHistory", err)
	}
}

func TestConcurrentCommitsToOneRoom(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d.txt", i)
			if _, _, err := svc.CommitFile("room-1", name, name, "Avery", ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent CommitFile() error = %v", err)
	}
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("file-%d.txt", i)
		if history, err := svc.History("room-1", name, 0); err != nil || len(history) != 1 {
			t.Fatalf("History(%s) = %v, %v", name, history, err)
		}
	}
}

func TestDeleteRoom(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if _, _, err := svc.CommitFile("room-1", "a.txt", "x", "Avery", ""); err != nil {
		t.Fatalf("CommitFile() error = %v", err)
	}
	if err := svc.DeleteRoom("room-1"); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1")); !os.IsNotExist(err) {
		t.Fatalf("repo dir still present: %v", err)
	}
}
