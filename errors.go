package main

import "errors"

// Sentinel error kinds surfaced by the bundle construction engine (see
// SPEC_FULL.md §7). Most core operations return one of these, wrapped with
// fmt.Errorf("%w: ...") for context; callers that care about the kind use
// errors.Is.
var (
	// ErrFileMissing signals that a required path does not exist.
	ErrFileMissing = errors.New("file missing")

	// ErrUnexpectedDirectory signals that a path resolved to a directory
	// where a file was required.
	ErrUnexpectedDirectory = errors.New("unexpected directory")

	// ErrNotABinary signals that a file has no parseable native-object
	// header. It is not fatal; callers treat the file as opaque data.
	ErrNotABinary = errors.New("not a native binary")

	// ErrUnsupportedArchitecture signals that bitness or endianness could
	// not be determined, or that the file is big-endian.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")

	// ErrMultipleInterpreters signals two program-interpreter segments in
	// one binary, or two distinct interpreters contributed to one
	// launcher group.
	ErrMultipleInterpreters = errors.New("multiple interpreters")

	// ErrLibraryConflict signals that two distinct files would occupy the
	// same bundle_lib/<basename> symlink with differing targets.
	ErrLibraryConflict = errors.New("library conflict")

	// ErrDependencyDetectionFailed signals that the auto-detect
	// collaborator was asked but returned nothing.
	ErrDependencyDetectionFailed = errors.New("dependency detection failed")

	// ErrCompilerNotFound signals that neither static C toolchain is
	// available. Callers downgrade to the shell launcher backend.
	ErrCompilerNotFound = errors.New("compiler not found")

	// ErrUnexpectedInput signals malformed CLI input, such as more
	// renames than executables.
	ErrUnexpectedInput = errors.New("unexpected input")

	// ErrInvariantViolation signals a violation of a documented FileNode
	// or BundleGraph invariant (e.g. conflicting entry point names).
	ErrInvariantViolation = errors.New("invariant violation")
)
