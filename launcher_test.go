package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLauncherFactoryShellFallbackContent(t *testing.T) {
	factory := NewLauncherFactory(nopLogger{}, true)

	dir := t.TempDir()
	path := filepath.Join(dir, "launcher")
	spec := LauncherSpec{
		InterpreterBasename: "linker-abc123",
		LibraryPath:         "lib:lib64",
		TargetBasename:      "prog-x",
		FullInterpreter:     true,
	}

	if err := factory.Write(path, spec, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading launcher: %v", err)
	}
	text := string(content)

	if !strings.HasPrefix(text, "#!") {
		t.Errorf("launcher does not start with a shebang: %q", text[:20])
	}
	for _, want := range []string{"linker-abc123", "prog-x", "lib:lib64", "inhibit-rpath"} {
		if !strings.Contains(text, want) {
			t.Errorf("launcher body missing %q:\n%s", want, text)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("launcher is not executable")
	}
}

func TestLauncherFactoryRewritesExistingFile(t *testing.T) {
	factory := NewLauncherFactory(nopLogger{}, true)
	dir := t.TempDir()
	path := filepath.Join(dir, "launcher")

	if err := os.WriteFile(path, []byte("stale content"), 0o755); err != nil {
		t.Fatal(err)
	}

	spec := LauncherSpec{InterpreterBasename: "linker-x", TargetBasename: "tool-x"}
	if err := factory.Write(path, spec, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(content), "stale content") {
		t.Error("launcher still contains stale content")
	}
}

func TestLocateTemplateRejectsMissingTemplate(t *testing.T) {
	// No candidate directory (next to os.Executable(), one level up, or
	// under the working directory) holds this name, so locateTemplate must
	// report an error.
	_, err := locateTemplate("does-not-exist.tmpl")
	if err == nil {
		t.Fatal("expected an error for a nonexistent template")
	}
}
