package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// execMethods mirrors input_parsing.py's exec_methods list: the strace call
// names that introduce a path argument worth tracking.
var execMethods = []string{
	"execve", "exec", "execl", "execlp", "execle", "execv", "execvp", "execvpe",
}

var traceLinePatterns = buildTraceLinePatterns()

func buildTraceLinePatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(execMethods)+3)
	for _, method := range execMethods {
		patterns = append(patterns, regexp.MustCompile(`^`+regexp.QuoteMeta(method)+`\("(/[^"]*)"`))
	}
	patterns = append(patterns,
		regexp.MustCompile(`^open\("(/[^"]*)"`),
		regexp.MustCompile(`^openat\(AT_FDCWD, "(/[^"]*)"`),
		regexp.MustCompile(`^stat\("(/[^"]*)"`),
	)
	return patterns
}

var discardedPrefixes = []string{"/dev/", "/proc/", "/run/", "/sys/"}

// ExtractFilenames parses piped stdin content into a list of absolute file
// paths (SPEC_FULL.md §6 "Path-and-filename extractor"). When the first
// non-blank line matches an exec-trace call pattern, every line is scanned
// for exec*/open/openat/stat path arguments; otherwise each line is treated
// as a literal path, trimmed. stagingPrefix, when non-empty, is an
// additional path prefix to discard (the engine's own staging directory).
func ExtractFilenames(content, stagingPrefix string, relaxed bool) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	traceMode := extractTracedPath(lines[0]) != ""

	var candidates []string
	if traceMode {
		for _, line := range lines {
			if path := extractTracedPath(line); path != "" {
				candidates = append(candidates, path)
			}
		}
	} else {
		candidates = lines
	}

	var result []string
	for _, path := range candidates {
		if isDiscardedPath(path, stagingPrefix) {
			continue
		}
		if !relaxed {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
		}
		result = append(result, path)
	}
	return result
}

// extractTracedPath parses one line of strace-style output, returning the
// path argument of the first matching exec*/open/openat/stat call
// (mirrors input_parsing.py's extract_exec_filename, extended to the other
// call forms SPEC_FULL.md's extractor names).
func extractTracedPath(line string) string {
	for _, pattern := range traceLinePatterns {
		if m := pattern.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

func isDiscardedPath(path, stagingPrefix string) bool {
	for _, prefix := range discardedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return stagingPrefix != "" && strings.HasPrefix(path, stagingPrefix)
}

// packageManager is the uniform capability record SPEC_FULL.md §9 calls for
// in place of a class hierarchy: one value per tagged variant
// ({Apt, Pacman, Yum}), each naming its cache directory, the two commands it
// shells out to, a function that parses the owner command's output, and a
// function that builds the list command's arguments. ownerPattern is not
// set by any entry.
type packageManager struct {
	name          string
	cacheProbe    string
	ownerCommand  string
	listCommand   string
	ownerPattern  *regexp.Regexp
	parseOwnerOut func(stdout string) (packageName string, ok bool)
	listArgs      func(packageName string) []string
}

var packageManagers = []packageManager{
	{
		name:         "pacman",
		cacheProbe:   "/var/cache/pacman",
		ownerCommand: "pacman",
		listCommand:  "pacman",
		parseOwnerOut: func(stdout string) (string, bool) {
			parts := strings.SplitN(stdout, " is owned by ", 2)
			if len(parts) != 2 {
				return "", false
			}
			fields := strings.Fields(parts[1])
			if len(fields) == 0 {
				return "", false
			}
			return fields[0], true
		},
		listArgs: func(name string) []string { return []string{"-Ql", name} },
	},
	{
		name:         "dpkg",
		cacheProbe:   "/var/cache/apt",
		ownerCommand: "dpkg",
		listCommand:  "dpkg-query",
		parseOwnerOut: func(stdout string) (string, bool) {
			parts := strings.SplitN(stdout, ": ", 2)
			if len(parts) != 2 {
				return "", false
			}
			return parts[0], true
		},
		listArgs: func(name string) []string { return []string{"-L", name} },
	},
	{
		name:         "rpm",
		cacheProbe:   "/var/cache/yum",
		ownerCommand: "rpm",
		listCommand:  "rpm",
		parseOwnerOut: func(stdout string) (string, bool) {
			name := strings.TrimSpace(stdout)
			if name == "" {
				return "", false
			}
			return name, true
		},
		listArgs: func(name string) []string { return []string{"-ql", name} },
	},
}

// DetectPackageFiles implements the auto-detect collaborator
// (SPEC_FULL.md §6): given an absolute path, returns the set of files
// belonging to the owning package on the current host. Each candidate
// package manager contributes only if its cache directory exists and both
// its owner and list commands resolve on PATH; the first one that resolves
// the path to a package wins (SPEC_FULL.md §9 "probed in that order").
func DetectPackageFiles(path string) ([]string, error) {
	for _, pm := range packageManagers {
		if info, err := os.Stat(pm.cacheProbe); err != nil || !info.IsDir() {
			continue
		}
		ownerPath, err := exec.LookPath(pm.ownerCommand)
		if err != nil {
			continue
		}
		listPath, err := exec.LookPath(pm.listCommand)
		if err != nil {
			continue
		}

		ownerArgs := pacmanOwnerArgs(pm.name, path)
		out, err := exec.Command(ownerPath, ownerArgs...).Output()
		if err != nil {
			continue
		}
		packageName, ok := pm.parseOwnerOut(string(out))
		if !ok {
			continue
		}

		listOut, err := exec.Command(listPath, pm.listArgs(packageName)...).Output()
		if err != nil {
			return nil, err
		}

		var files []string
		for _, line := range strings.Split(string(listOut), "\n") {
			candidate := line
			if pm.name == "pacman" {
				prefix := packageName + " "
				if !strings.HasPrefix(line, prefix) {
					continue
				}
				candidate = strings.TrimPrefix(line, prefix)
			}
			candidate = strings.TrimSpace(candidate)
			if candidate == "" {
				continue
			}
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				files = append(files, filepath.Clean(candidate))
			}
		}
		return files, nil
	}
	return nil, ErrDependencyDetectionFailed
}

func pacmanOwnerArgs(name, path string) []string {
	switch name {
	case "pacman":
		return []string{"-Qo", path}
	case "dpkg":
		return []string{"-S", path}
	case "rpm":
		return []string{"-qf", path}
	default:
		return []string{path}
	}
}
