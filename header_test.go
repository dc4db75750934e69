package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildELF assembles a minimal synthetic ELF file with a single PT_INTERP
// program header, for exercising ReadBinaryHeader without depending on a
// real system binary.
func buildELF(t *testing.T, bits Bitness, eType uint16, interp string) string {
	t.Helper()

	var buf []byte
	interpBytes := append([]byte(interp), 0)

	if bits == Bits32 {
		ehsize := 0x34
		phentsize := 0x20
		phoff := ehsize
		interpOffset := phoff + phentsize

		buf = make([]byte, interpOffset+len(interpBytes))
		buf[0], buf[1], buf[2], buf[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
		buf[4] = elfClass32
		buf[5] = elfDataLittle
		binary.LittleEndian.PutUint16(buf[ehTypeOffset:], eType)
		binary.LittleEndian.PutUint32(buf[eh32PhoffOffset:], uint32(phoff))
		binary.LittleEndian.PutUint16(buf[eh32PhentsizeOffset:], uint16(phentsize))
		binary.LittleEndian.PutUint16(buf[eh32PhnumOffset:], 1)

		ph := buf[phoff:]
		binary.LittleEndian.PutUint32(ph[0:], ptInterp)
		binary.LittleEndian.PutUint32(ph[ph32POffsetOffset:], uint32(interpOffset))
		binary.LittleEndian.PutUint32(ph[ph32PFilszOffset:], uint32(len(interpBytes)))

		copy(buf[interpOffset:], interpBytes)
	} else {
		ehsize := 0x40
		phentsize := 0x38
		phoff := ehsize
		interpOffset := phoff + phentsize

		buf = make([]byte, interpOffset+len(interpBytes))
		buf[0], buf[1], buf[2], buf[3] = elfMagic0, elfMagic1, elfMagic2, elfMagic3
		buf[4] = elfClass64
		buf[5] = elfDataLittle
		binary.LittleEndian.PutUint16(buf[ehTypeOffset:], eType)
		binary.LittleEndian.PutUint64(buf[eh64PhoffOffset:], uint64(phoff))
		binary.LittleEndian.PutUint16(buf[eh64PhentsizeOffset:], uint16(phentsize))
		binary.LittleEndian.PutUint16(buf[eh64PhnumOffset:], 1)

		ph := buf[phoff:]
		binary.LittleEndian.PutUint32(ph[0:], ptInterp)
		binary.LittleEndian.PutUint64(ph[ph64POffsetOffset:], uint64(interpOffset))
		binary.LittleEndian.PutUint64(ph[ph64PFilszOffset:], uint64(len(interpBytes)))

		copy(buf[interpOffset:], interpBytes)
	}

	path := filepath.Join(t.TempDir(), "binary")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestReadBinaryHeaderInterpreterPath64(t *testing.T) {
	path := buildELF(t, Bits64, 2, "/lib64/ld-linux-x86-64.so.2")

	header, err := ReadBinaryHeader(path, "")
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}
	if header.Bits != Bits64 {
		t.Errorf("Bits = %v, want %v", header.Bits, Bits64)
	}
	if header.Kind != KindExecutable {
		t.Errorf("Kind = %v, want %v", header.Kind, KindExecutable)
	}
	if header.InterpreterPath != "/lib64/ld-linux-x86-64.so.2" {
		t.Errorf("InterpreterPath = %q", header.InterpreterPath)
	}
}

func TestReadBinaryHeaderInterpreterPath32(t *testing.T) {
	path := buildELF(t, Bits32, 2, "/lib/ld-linux.so.2")

	header, err := ReadBinaryHeader(path, "")
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}
	if header.Bits != Bits32 {
		t.Errorf("Bits = %v, want %v", header.Bits, Bits32)
	}
	if header.InterpreterPath != "/lib/ld-linux.so.2" {
		t.Errorf("InterpreterPath = %q", header.InterpreterPath)
	}
}

func TestReadBinaryHeaderMuslInterpreter(t *testing.T) {
	path := buildELF(t, Bits64, 2, "/lib/ld-musl-x86_64.so.1")

	header, err := ReadBinaryHeader(path, "")
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}
	if header.InterpreterPath != "/lib/ld-musl-x86_64.so.1" {
		t.Errorf("InterpreterPath = %q", header.InterpreterPath)
	}
}

func TestReadBinaryHeaderSharedObjectKind(t *testing.T) {
	path := buildELF(t, Bits64, 3, "")

	header, err := ReadBinaryHeader(path, "")
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}
	if header.Kind != KindShared {
		t.Errorf("Kind = %v, want %v", header.Kind, KindShared)
	}
	if header.InterpreterPath != "" {
		t.Errorf("InterpreterPath = %q, want empty", header.InterpreterPath)
	}
}

func TestReadBinaryHeaderRejectsBigEndian(t *testing.T) {
	path := buildELF(t, Bits64, 2, "/lib64/ld-linux-x86-64.so.2")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	raw[5] = elfDataBig
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	_, err = ReadBinaryHeader(path, "")
	if err == nil {
		t.Fatal("expected an error for a big-endian object")
	}
}

func TestReadBinaryHeaderRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-binary")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	_, err := ReadBinaryHeader(path, "")
	if err != ErrNotABinary {
		t.Fatalf("err = %v, want ErrNotABinary", err)
	}
}

func TestReadBinaryHeaderMissingFile(t *testing.T) {
	_, err := ReadBinaryHeader(filepath.Join(t.TempDir(), "does-not-exist"), "")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestReadBinaryHeaderReparentsInterpreterUnderRoot(t *testing.T) {
	path := buildELF(t, Bits64, 2, "/lib64/ld-linux-x86-64.so.2")
	root := t.TempDir()

	header, err := ReadBinaryHeader(path, root)
	if err != nil {
		t.Fatalf("ReadBinaryHeader: %v", err)
	}
	want := filepath.Join(root, "lib64", "ld-linux-x86-64.so.2")
	if header.InterpreterPath != want {
		t.Errorf("InterpreterPath = %q, want %q", header.InterpreterPath, want)
	}
}
