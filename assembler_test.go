package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestAssemblerRunProducesSelfExtractingScript(t *testing.T) {
	root, binaryPath := buildFakeRoot(t)
	_ = root

	outDir := t.TempDir()
	outputTemplate := filepath.Join(outDir, "{{executables}}.{{extension}}")

	assembler := &Assembler{
		Executables:    []EntryPointSpec{{Path: binaryPath, Rename: "fizzbuzz"}},
		OutputTemplate: outputTemplate,
		ShellLaunchers: true,
		RootPrefix:     root,
		Logger:         nopLogger{},
	}

	outputFilename, err := assembler.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	info, err := os.Stat(outputFilename)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("output file is not executable")
	}

	content, err := os.ReadFile(outputFilename)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(content, []byte("#! /bin/bash\n")) {
		t.Errorf("output does not start with the expected shebang")
	}
	if !bytes.Contains(content, []byte("__ARCHIVE_BELOW__")) {
		t.Error("output missing archive marker")
	}
}

func TestAssemblerRunTarballModeProducesValidArchive(t *testing.T) {
	root, binaryPath := buildFakeRoot(t)

	outDir := t.TempDir()
	outputTemplate := filepath.Join(outDir, "{{executables}}.{{extension}}")

	assembler := &Assembler{
		Executables:    []EntryPointSpec{{Path: binaryPath, Rename: "fizzbuzz"}},
		OutputTemplate: outputTemplate,
		Tarball:        true,
		ShellLaunchers: true,
		RootPrefix:     root,
		Logger:         nopLogger{},
	}

	outputFilename, err := assembler.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	f, err := os.Open(outputFilename)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	tr := tar.NewReader(gz)

	sawEntryPoint := false
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar entries: %v", err)
		}
		if header.Name == "exodus/bin/fizzbuzz" {
			sawEntryPoint = true
		}
		for _, forbidden := range []string{"dev/", "proc/", "run/", "sys/"} {
			if bytes.Contains([]byte(header.Name), []byte("exodus/"+forbidden)) {
				t.Errorf("archive contains forbidden entry %q", header.Name)
			}
		}
	}
	if !sawEntryPoint {
		t.Error("archive missing exodus/bin/fizzbuzz entry point symlink")
	}
}

func TestAssemblerRunRejectsEmptyExecutableList(t *testing.T) {
	assembler := &Assembler{Logger: nopLogger{}}
	_, err := assembler.Run()
	if err == nil {
		t.Fatal("expected an error for an empty executable list")
	}
}
