package main

import "testing"

func TestParseTraceLineArrowForm(t *testing.T) {
	got := parseTraceLine("\tlibc.so.6 => /lib64/libc.so.6 (0x00007f1234560000)")
	if got != "/lib64/libc.so.6" {
		t.Errorf("got %q", got)
	}
}

func TestParseTraceLineBareForm(t *testing.T) {
	got := parseTraceLine("\t/lib64/ld-linux-x86-64.so.2 (0x00007fffaaaa0000)")
	if got != "/lib64/ld-linux-x86-64.so.2" {
		t.Errorf("got %q", got)
	}
}

func TestParseTraceLineIgnoresLddSelfReference(t *testing.T) {
	got := parseTraceLine("\tlinux-vdso.so.1 => ldd (0x00007ffd12340000)")
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestParseTraceLineIgnoresUnrelatedText(t *testing.T) {
	got := parseTraceLine("not found")
	if got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestProbeDirectDependenciesAlwaysIncludesInterpreter(t *testing.T) {
	root, binaryPath := buildFakeRoot(t)
	header, err := ReadBinaryHeader(binaryPath, root)
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}

	deps := ProbeDirectDependencies(binaryPath, header.InterpreterPath, root, nopLogger{})
	found := false
	for _, d := range deps {
		if d == header.InterpreterPath {
			found = true
		}
	}
	if !found {
		t.Errorf("deps = %v, want to include interpreter %q", deps, header.InterpreterPath)
	}
}
