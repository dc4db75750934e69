package main

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	env "github.com/xyproto/env/v2"
)

// standardLibrarySearchPath mirrors the directories a native dynamic linker
// consults by default, in the order the linker prefers them
// (SPEC_FULL.md §4.4 "Library search path computation").
var standardLibrarySearchPath = []string{
	"/lib64", "/usr/lib64",
	"/lib", "/usr/lib",
	"/lib32", "/usr/lib32",
}

// traceLinePattern matches a single line of the captured interpreter's
// trace-mode output: "libfoo.so.1 => /path/to/libfoo.so.1 (0x00007f...)" or
// the bare form "/path/to/libfoo.so.1 (0x00007f...)" used for the
// interpreter's own self-entry on some implementations.
var traceLinePattern = regexp.MustCompile(`=>\s*(/\S+)\s*\(`)
var bareTraceLinePattern = regexp.MustCompile(`^\s*(/\S+)\s*\(`)

// ProbeDirectDependencies invokes interpreterPath (the captured dynamic
// linker, acting as its own tracer) against target in trace-loaded-objects
// mode and parses its output into a set of absolute library paths
// (SPEC_FULL.md §4.2). The interpreter path itself is always included in
// the result, since trace output for the interpreter's own row is
// unreliable.
//
// No error returned by this function is fatal to the caller: an
// unresolvable or failing invocation yields an empty direct-dependency set
// (still including the interpreter) so the closure loop can terminate.
func ProbeDirectDependencies(target, interpreterPath, rootPrefix string, logger Logger) []string {
	if logger == nil {
		logger = nopLogger{}
	}

	seen := map[string]struct{}{interpreterPath: {}}
	result := []string{interpreterPath}

	args := []string{}
	if rootPrefix != "" {
		// Inhibit the linker's on-disk cache and rpath handling so that
		// directories baked into the source host's interpreter can't leak
		// into the closure (SPEC_FULL.md §4.2).
		args = append(args, "--inhibit-cache", "--inhibit-rpath", "")
	}
	args = append(args, target)

	cmd := exec.Command(interpreterPath, args...)
	cmd.Env = buildTraceEnvironment(rootPrefix)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		logger.Warn("failed to trace dependencies of %s via %s: %v", target, interpreterPath, err)
	}

	for _, line := range strings.Split(combined.String(), "\n") {
		path := parseTraceLine(line)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}

	return result
}

// parseTraceLine extracts the absolute library path from one line of
// combined stdout/stderr trace output, or returns "" if the line doesn't
// describe a resolved dependency. Lines of the shape "<abs> => ldd (...)"
// correspond to the interpreter being invoked as a tracer with no real
// target and are skipped.
func parseTraceLine(line string) string {
	if strings.Contains(line, "=> ldd") {
		return ""
	}
	if m := traceLinePattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := bareTraceLinePattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// buildTraceEnvironment constructs the environment for the spawned tracer
// child. Per SPEC_FULL.md §5, environment mutation is local to the child;
// the parent's environment (env.Environ()) is never mutated.
func buildTraceEnvironment(rootPrefix string) []string {
	environ := env.Environ()

	// The two historically-used "print loaded objects" toggles, kept both
	// so glibc- and musl-flavored interpreters are both satisfied.
	environ = setEnvVar(environ, "LD_TRACE_LOADED_OBJECTS", "1")
	environ = setEnvVar(environ, "LD_WARN", "")

	if rootPrefix != "" {
		reparented := make([]string, 0, len(standardLibrarySearchPath))
		for _, dir := range standardLibrarySearchPath {
			joined, err := securejoin.SecureJoin(rootPrefix, strings.TrimPrefix(dir, string(filepath.Separator)))
			if err != nil {
				continue
			}
			reparented = append(reparented, joined)
		}
		if existing := env.Str("LD_LIBRARY_PATH"); existing != "" {
			for _, dir := range strings.Split(existing, ":") {
				joined, err := securejoin.SecureJoin(rootPrefix, strings.TrimPrefix(dir, string(filepath.Separator)))
				if err == nil {
					reparented = append(reparented, joined)
				}
			}
		}
		environ = setEnvVar(environ, "LD_LIBRARY_PATH", strings.Join(reparented, ":"))
	}

	return environ
}

func setEnvVar(environ []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			environ[i] = prefix + value
			return environ
		}
	}
	return append(environ, prefix+value)
}
