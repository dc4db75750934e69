package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// LauncherSpec carries the four parameters that fully determine a
// launcher's behavior (SPEC_FULL.md §4.5 "Inputs").
type LauncherSpec struct {
	InterpreterBasename string
	LibraryPath         string // precomputed, colon-joined, relative to the launcher's directory
	TargetBasename      string
	FullInterpreter     bool
}

// LauncherFactory produces launcher artifacts: a compiled static binary
// when a static C toolchain is available, or a shell script otherwise
// (SPEC_FULL.md §4.5). It mirrors exodus_bundler/launchers.py's
// compile()/compile_musl()/compile_diet() fallback chain and the teacher's
// habit (run.go, cffi.go) of shelling out to external toolchains via
// os/exec and reading the result with CombinedOutput.
type LauncherFactory struct {
	Logger        Logger
	shellWarned   bool
	shellExplicit bool
}

// NewLauncherFactory constructs a factory. shellLaunchersExplicit tracks
// whether the caller passed --shell-launchers explicitly, which suppresses
// the one-time "no static toolchain" warning (SPEC_FULL.md §7).
func NewLauncherFactory(logger Logger, shellLaunchersExplicit bool) *LauncherFactory {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LauncherFactory{Logger: logger, shellExplicit: shellLaunchersExplicit}
}

// Write constructs a launcher for spec and writes it to path, preferring
// the compiled backend unless shellLaunchers forces the shell backend.
func (f *LauncherFactory) Write(path string, spec LauncherSpec, shellLaunchers bool) error {
	info, err := os.Stat(path)
	var mode os.FileMode = 0o755
	if err == nil {
		mode = info.Mode().Perm()
	}

	if !shellLaunchers {
		content, err := f.compile(spec)
		if err == nil {
			return writeLauncherFile(path, content, mode)
		}
		if err != ErrCompilerNotFound {
			return err
		}
		if !f.shellExplicit && !f.shellWarned {
			f.Logger.Warn("installing either the musl or dietlibc C libraries will result in more efficient launchers (currently using bash fallbacks instead)")
			f.shellWarned = true
		}
	}

	content, err := f.renderShell(spec)
	if err != nil {
		return err
	}
	return writeLauncherFile(path, content, mode)
}

func writeLauncherFile(path string, content []byte, mode os.FileMode) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, mode)
}

// compile renders the C launcher template and compiles it statically via
// musl-gcc, falling back to diet gcc (SPEC_FULL.md §4.5 backend 1).
func (f *LauncherFactory) compile(spec LauncherSpec) ([]byte, error) {
	source, err := renderTemplate("launcher.c.tmpl", templateContext(spec))
	if err != nil {
		return nil, err
	}

	if toolchain, ok := findToolchain("musl-gcc"); ok {
		return compileStatic(source, []string{toolchain})
	}
	if diet, ok := findToolchain("diet"); ok {
		if _, ok := findToolchain("gcc"); ok {
			return compileStatic(source, []string{diet, "gcc"})
		}
	}
	return nil, ErrCompilerNotFound
}

func findToolchain(name string) (string, bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// compileStatic writes source to a temp .c file and compiles it to a temp
// object, per SPEC_FULL.md §5 "two temporary files per compile invocation
// ... owned for the duration of the compile and unlinked afterwards".
func compileStatic(source string, initialArgs []string) ([]byte, error) {
	inputFile, err := os.CreateTemp("", "exodus-launcher-*.c")
	if err != nil {
		return nil, err
	}
	inputPath := inputFile.Name()
	defer os.Remove(inputPath)
	if _, err := inputFile.WriteString(source); err != nil {
		inputFile.Close()
		return nil, err
	}
	if err := inputFile.Close(); err != nil {
		return nil, err
	}

	outputFile, err := os.CreateTemp("", "exodus-launcher-*")
	if err != nil {
		return nil, err
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	args := append(append([]string{}, initialArgs[1:]...), "-static", "-O3", inputPath, "-o", outputPath)
	cmd := exec.Command(initialArgs[0], args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("error compiling launcher: %s", string(output))
	}

	return os.ReadFile(outputPath)
}

// renderShell renders the shell launcher template (SPEC_FULL.md §4.5
// backend 2, "Begins with '#! /bin/bash\n'").
func (f *LauncherFactory) renderShell(spec LauncherSpec) ([]byte, error) {
	rendered, err := renderTemplate("launcher.sh.tmpl", templateContext(spec))
	if err != nil {
		return nil, err
	}
	return []byte(rendered), nil
}

func templateContext(spec LauncherSpec) map[string]string {
	return map[string]string{
		"interpreter_basename": spec.InterpreterBasename,
		"library_path":         spec.LibraryPath,
		"target_basename":      spec.TargetBasename,
		"full_interpreter":     strconv.FormatBool(spec.FullInterpreter),
	}
}

// renderTemplate substitutes every {{name}} occurrence in the named
// template file with context[name] (SPEC_FULL.md §4.5 "Template
// substitution semantics"), grounded on
// original_source/.../templating.py's render_template/render_template_file.
func renderTemplate(name string, context map[string]string) (string, error) {
	path, err := locateTemplate(name)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(raw)
	for key, value := range context {
		content = strings.ReplaceAll(content, "{{"+key+"}}", value)
	}
	return content, nil
}

// locateTemplate finds a template adjacent to the running executable,
// falling back one directory up when the binary has been flattened into an
// archive layout, and finally to a templates directory under the current
// working directory (where `go test` runs, next to the package source).
func locateTemplate(name string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeDir := filepath.Dir(exe)

	candidates := []string{
		filepath.Join(exeDir, "templates", name),
		filepath.Join(exeDir, "..", "templates", name),
		filepath.Join("templates", name),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: template %s not found adjacent to %s", ErrFileMissing, name, exe)
}
