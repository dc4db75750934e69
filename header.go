package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Bitness is the word size a native object was built for.
type Bitness int

const (
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

// ObjectKind is the e_type of a native object file.
type ObjectKind int

const (
	KindRelocatable ObjectKind = iota + 1
	KindExecutable
	KindShared
	KindCore
)

func (k ObjectKind) String() string {
	switch k {
	case KindRelocatable:
		return "relocatable"
	case KindExecutable:
		return "executable"
	case KindShared:
		return "shared"
	case KindCore:
		return "core"
	default:
		return "unknown"
	}
}

// BinaryHeader is the immutable result of parsing the first several dozen
// bytes of a native executable object (SPEC_FULL.md §3). It is derived once
// from the file's contents and never mutated afterwards.
type BinaryHeader struct {
	Bits            Bitness
	Kind            ObjectKind
	InterpreterPath string // empty when the object carries no PT_INTERP segment
}

const (
	elfMagic0 = 0x7F
	elfMagic1 = 'E'
	elfMagic2 = 'L'
	elfMagic3 = 'F'

	elfClass32 = 1
	elfClass64 = 2

	elfDataLittle = 1
	elfDataBig    = 2

	ptInterp = 3

	// Field offsets that differ between the 32- and 64-bit ELF header
	// layouts, per SPEC_FULL.md §4.1.
	ehTypeOffset = 0x10

	eh32PhoffOffset    = 0x1C
	eh32PhentsizeOffset = 0x2A
	eh32PhnumOffset    = 0x2C

	eh64PhoffOffset    = 0x20
	eh64PhentsizeOffset = 0x36
	eh64PhnumOffset    = 0x38

	ph32POffsetOffset = 0x04
	ph32PFilszOffset  = 0x10

	ph64POffsetOffset = 0x08
	ph64PFilszOffset  = 0x20
)

// ReadBinaryHeader parses path's program header to classify it and to
// extract its requested program interpreter, if any (SPEC_FULL.md §4.1).
//
// When rootPrefix is non-empty the discovered interpreter path is
// reparented under it, joining rootPrefix with the interpreter path made
// relative to "/", so that hermetic tests can point interpreter resolution
// at a fixture tree instead of the real filesystem root.
//
// Returns ErrNotABinary (not fatal) when the file's magic doesn't match a
// native object, ErrFileMissing when path does not exist, and
// ErrUnsupportedArchitecture when bitness/endianness can't be determined or
// the object is big-endian.
func ReadBinaryHeader(path, rootPrefix string) (*BinaryHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return nil, err
	}
	defer f.Close()

	var magic [6]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, ErrNotABinary
	}
	if magic[0] != elfMagic0 || magic[1] != elfMagic1 || magic[2] != elfMagic2 || magic[3] != elfMagic3 {
		return nil, ErrNotABinary
	}

	var bits Bitness
	switch magic[4] {
	case elfClass32:
		bits = Bits32
	case elfClass64:
		bits = Bits64
	default:
		return nil, fmt.Errorf("%w: unrecognized ELF class byte 0x%02x", ErrUnsupportedArchitecture, magic[4])
	}

	switch magic[5] {
	case elfDataLittle:
		// supported
	case elfDataBig:
		return nil, fmt.Errorf("%w: big-endian objects are not supported", ErrUnsupportedArchitecture)
	default:
		return nil, fmt.Errorf("%w: unrecognized ELF data byte 0x%02x", ErrUnsupportedArchitecture, magic[5])
	}

	eType, err := readUint16At(f, ehTypeOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated ELF header: %v", ErrUnsupportedArchitecture, err)
	}
	kind, ok := map[uint16]ObjectKind{
		1: KindRelocatable,
		2: KindExecutable,
		3: KindShared,
		4: KindCore,
	}[eType]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized e_type %d", ErrUnsupportedArchitecture, eType)
	}

	header := &BinaryHeader{Bits: bits, Kind: kind}

	interp, err := readInterpreterPath(f, bits)
	if err != nil {
		return nil, err
	}
	if interp != "" && rootPrefix != "" {
		interp, err = reparentUnderRoot(rootPrefix, interp)
		if err != nil {
			return nil, err
		}
	}
	header.InterpreterPath = interp

	return header, nil
}

// readInterpreterPath walks the program header table looking for the
// PT_INTERP segment. At most one may exist (SPEC_FULL.md §3 invariant).
func readInterpreterPath(f *os.File, bits Bitness) (string, error) {
	var phoff uint64
	var phentsize, phnum uint16
	var err error

	if bits == Bits32 {
		var v32 uint32
		if v32, err = readUint32At(f, eh32PhoffOffset); err != nil {
			return "", fmt.Errorf("%w: truncated program header offset: %v", ErrUnsupportedArchitecture, err)
		}
		phoff = uint64(v32)
		if phentsize, err = readUint16At(f, eh32PhentsizeOffset); err != nil {
			return "", err
		}
		if phnum, err = readUint16At(f, eh32PhnumOffset); err != nil {
			return "", err
		}
	} else {
		if phoff, err = readUint64At(f, eh64PhoffOffset); err != nil {
			return "", fmt.Errorf("%w: truncated program header offset: %v", ErrUnsupportedArchitecture, err)
		}
		if phentsize, err = readUint16At(f, eh64PhentsizeOffset); err != nil {
			return "", err
		}
		if phnum, err = readUint16At(f, eh64PhnumOffset); err != nil {
			return "", err
		}
	}

	found := ""
	for i := uint16(0); i < phnum; i++ {
		headerOffset := int64(phoff) + int64(i)*int64(phentsize)
		pType, err := readUint32At(f, headerOffset)
		if err != nil {
			break // truncated trailing program header; nothing more to learn
		}
		if pType != ptInterp {
			continue
		}

		var pOffset, pFilesz uint64
		if bits == Bits32 {
			v, err := readUint32At(f, headerOffset+ph32POffsetOffset)
			if err != nil {
				return "", err
			}
			pOffset = uint64(v)
			v, err = readUint32At(f, headerOffset+ph32PFilszOffset)
			if err != nil {
				return "", err
			}
			pFilesz = uint64(v)
		} else {
			if pOffset, err = readUint64At(f, headerOffset+ph64POffsetOffset); err != nil {
				return "", err
			}
			if pFilesz, err = readUint64At(f, headerOffset+ph64PFilszOffset); err != nil {
				return "", err
			}
		}

		if found != "" {
			return "", fmt.Errorf("%w: more than one PT_INTERP segment", ErrMultipleInterpreters)
		}

		buf := make([]byte, pFilesz)
		if _, err := f.ReadAt(buf, int64(pOffset)); err != nil {
			return "", fmt.Errorf("failed reading interpreter path: %w", err)
		}
		found = strings.TrimRight(string(buf), "\x00")
	}

	return found, nil
}

// reparentUnderRoot joins rootPrefix with path made relative to "/", the
// way BundleGraph.root_prefix reinterprets interpreter and library paths
// for hermetic testing (SPEC_FULL.md §3).
func reparentUnderRoot(rootPrefix, path string) (string, error) {
	rel := strings.TrimPrefix(path, string(filepath.Separator))
	return securejoin.SecureJoin(rootPrefix, rel)
}

func readUint16At(r io.ReaderAt, offset int64) (uint16, error) {
	var buf [2]byte
	if _, err := r.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32At(r io.ReaderAt, offset int64) (uint32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readUint64At(r io.ReaderAt, offset int64) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
