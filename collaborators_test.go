package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractFilenamesLiteralMode(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := ExtractFilenames(a+"\n"+b+"\n", "", false)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("got %v, want [%s %s]", got, a, b)
	}
}

func TestExtractFilenamesDiscardsMissingAndDirectories(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "exists")
	if err := os.WriteFile(existing, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing")

	got := ExtractFilenames(existing+"\n"+missing+"\n"+dir+"\n", "", false)
	if len(got) != 1 || got[0] != existing {
		t.Errorf("got %v, want [%s]", got, existing)
	}
}

func TestExtractFilenamesStraceMode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "fizzbuzz")
	lib := filepath.Join(dir, "libc.so.6")
	for _, p := range []string{target, lib} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	content := `execve("` + target + `", ["fizzbuzz"], 0x7ffd /* 20 vars */) = 0
open("/dev/null", O_RDONLY) = 3
openat(AT_FDCWD, "` + lib + `", O_RDONLY|O_CLOEXEC) = 3
`
	got := ExtractFilenames(content, "", false)
	if len(got) != 2 || got[0] != target || got[1] != lib {
		t.Errorf("got %v, want [%s %s]", got, target, lib)
	}
}

func TestExtractFilenamesDiscardsSystemPrefixesAndStagingPrefix(t *testing.T) {
	content := "/dev/null\n/proc/self/exe\n/run/lock\n/sys/class\n/tmp/staging-xyz/inner\n"
	got := ExtractFilenames(content, "/tmp/staging-xyz", true)
	if len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}

func TestExtractFilenamesEmptyInput(t *testing.T) {
	got := ExtractFilenames("\n\n  \n", "", false)
	if got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestDetectPackageFilesFailsWithoutAnyPackageManager(t *testing.T) {
	// In a sandboxed test environment none of pacman/dpkg/rpm are expected
	// to have both their cache directory and executables present, so this
	// exercises the "nothing resolved" path.
	_, err := DetectPackageFiles("/nonexistent/path/for/testing")
	if err != nil && err != ErrDependencyDetectionFailed {
		t.Fatalf("unexpected error: %v", err)
	}
}
