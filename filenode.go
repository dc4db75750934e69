package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// FileNode represents one on-disk file tracked by a BundleGraph
// (SPEC_FULL.md §3). Two FileNodes are equal iff their (Path, EntryPoint)
// pair matches; the content hash is orthogonal to identity.
type FileNode struct {
	Path       string // absolute, normalised, on-disk (may be under RootPrefix)
	EntryPoint string // "" when this node is not a user-visible command
	Library    bool   // explicit library marker
	NoSymlink  bool   // force a direct copy instead of a data-pool symlink
	Header     *BinaryHeader

	// RootPrefix, when set, is stripped from Path to recover the path the
	// file occupies relative to the (virtual) filesystem root, which is
	// what the staging tree layout mirrors (SPEC_FULL.md §3: "root_prefix
	// ... useful for hermetic testing").
	RootPrefix string

	// AdoptedInterpreter records the interpreter adopted from elsewhere in
	// the graph for a header-bearing node whose own header carries no
	// PT_INTERP segment (SPEC_FULL.md §4.4).
	AdoptedInterpreter string

	hashOnce sync.Once
	hash     string
	hashErr  error

	requiresLauncherOnce sync.Once
	requiresLauncher     bool
}

// resetRequiresLauncherCache discards the memoised requires-launcher
// decision. Needed because BundleGraph.addNode may mutate EntryPoint or
// Library on an already-cached node while merging.
func (n *FileNode) resetRequiresLauncherCache() {
	n.requiresLauncherOnce = sync.Once{}
}

var soInfixPattern = regexp.MustCompile(`\.so(\.|$)`)

// NewFileNode resolves path and constructs a FileNode for it
// (SPEC_FULL.md §4.3 "Construction"). When entryPoint is set, path is first
// looked up through the PATH search list: each colon-separated directory is
// tried in order and the first hit wins, except that a path which already
// exists as given is used verbatim — the source implementation treats a
// relative path that exists in the current directory as the definitive
// answer, bypassing PATH entirely, and this preserves that precedence
// (SPEC_FULL.md §9 Open Question).
//
// The resolved path must exist and must not be a directory. rootPrefix, if
// set, is forwarded to the header reader so interpreter-path resolution can
// be reparented for hermetic testing.
func NewFileNode(path, entryPoint string, library bool, rootPrefix string) (*FileNode, error) {
	if entryPoint != "" && library {
		return nil, fmt.Errorf("%w: a node cannot be both an entry point and a library", ErrInvariantViolation)
	}

	resolved, err := resolveNodePath(path, entryPoint)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedDirectory, path)
	}

	header, err := ReadBinaryHeader(resolved, rootPrefix)
	if err != nil {
		if err != ErrNotABinary {
			return nil, err
		}
		header = nil
	}

	return &FileNode{
		Path:       resolved,
		EntryPoint: entryPoint,
		Library:    library,
		Header:     header,
		RootPrefix: rootPrefix,
	}, nil
}

// EffectiveInterpreter returns the interpreter that governs this node's
// launcher group, whether it came from the node's own header or was
// adopted from elsewhere in the graph.
func (n *FileNode) EffectiveInterpreter() string {
	if n.Header != nil && n.Header.InterpreterPath != "" {
		return n.Header.InterpreterPath
	}
	return n.AdoptedInterpreter
}

// virtualPath returns Path with RootPrefix stripped, i.e. the path the file
// occupies relative to the filesystem root the bundle mirrors.
func (n *FileNode) virtualPath() string {
	if n.RootPrefix == "" {
		return n.Path
	}
	rel, err := filepath.Rel(n.RootPrefix, n.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return n.Path
	}
	return string(filepath.Separator) + rel
}

// resolveNodePath implements the PATH search described above.
func resolveNodePath(path, entryPoint string) (string, error) {
	if entryPoint == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return filepath.Clean(abs), nil
	}

	if _, err := os.Stat(path); err == nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return filepath.Clean(abs), nil
	}

	for _, dir := range strings.Split(os.Getenv("PATH"), string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, path)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			return filepath.Clean(abs), nil
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Hash returns the 64-character lowercase hex digest of the file's content,
// computed lazily and memoised (SPEC_FULL.md §3/§4.3).
func (n *FileNode) Hash() (string, error) {
	n.hashOnce.Do(func() {
		f, err := os.Open(n.Path)
		if err != nil {
			n.hashErr = err
			return
		}
		defer f.Close()

		d, err := digest.Canonical.FromReader(f)
		if err != nil {
			n.hashErr = err
			return
		}
		n.hash = d.Encoded()
	})
	return n.hash, n.hashErr
}

// RequiresLauncher applies the heuristic from SPEC_FULL.md §4.3, evaluated
// in order; the first rule that matches decides.
func (n *FileNode) RequiresLauncher() bool {
	n.requiresLauncherOnce.Do(func() {
		n.requiresLauncher = n.computeRequiresLauncher()
	})
	return n.requiresLauncher
}

func (n *FileNode) computeRequiresLauncher() bool {
	if n.Header == nil || n.Header.InterpreterPath == "" || n.Library || !n.executableByOwner() {
		return false
	}
	if n.Header.Kind == KindExecutable {
		return true
	}
	if n.EntryPoint != "" {
		return true
	}

	hasBinSegment := containsAnySegment(n.Path, "/bin/", "/bin32/", "/bin64/")
	hasLibSegment := containsAnySegment(n.Path, "/lib/", "/lib32/", "/lib64/")

	if hasBinSegment && !hasLibSegment {
		return true
	}
	if hasLibSegment && !hasBinSegment {
		return false
	}

	return !soInfixPattern.MatchString(filepath.Base(n.Path))
}

func containsAnySegment(path string, segments ...string) bool {
	for _, s := range segments {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}

func (n *FileNode) executableByOwner() bool {
	info, err := os.Stat(n.Path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o100 != 0
}

// ImpliesNoSymlink reports whether this node's entry-point/launcher
// combination forces a direct copy instead of data-pool indirection
// (SPEC_FULL.md §3 invariant: "If entry_point ≠ ∅ and requires_launcher =
// false, no_symlink is implicitly true").
func (n *FileNode) ImpliesNoSymlink() bool {
	return n.NoSymlink || (n.EntryPoint != "" && !n.RequiresLauncher())
}

// Source returns the node's virtual path with its leading separator
// removed, i.e. its mirrored location under a bundle root
// (SPEC_FULL.md §4.3).
func (n *FileNode) Source() string {
	return strings.TrimPrefix(n.virtualPath(), string(filepath.Separator))
}

// Destination returns the data-pool-relative path for this node's content,
// "data/<hash>" (SPEC_FULL.md §4.3).
func (n *FileNode) Destination() (string, error) {
	hash, err := n.Hash()
	if err != nil {
		return "", err
	}
	return filepath.Join("data", hash), nil
}

// Key returns the identity tuple used for graph deduplication
// (SPEC_FULL.md §3: "two FileNodes are equal iff their (path, entry_point)
// pair matches").
func (n *FileNode) Key() string {
	return n.Path + "\x00" + n.EntryPoint
}

// copyInto copies the node's body to bundleRoot/destination unless it's
// already present there (SPEC_FULL.md §4.3 "copy").
func (n *FileNode) copyInto(bundleRoot string) error {
	dest, err := n.Destination()
	if err != nil {
		return err
	}
	return copyFileIfAbsent(n.Path, filepath.Join(bundleRoot, dest))
}

// copyDirect copies the node's body straight to bundleRoot/Source(),
// bypassing the data pool entirely. Used for NoSymlink nodes
// (SPEC_FULL.md §4.4 pass A).
func (n *FileNode) copyDirect(bundleRoot string) error {
	return copyFileIfAbsent(n.Path, filepath.Join(bundleRoot, n.Source()))
}

// symlinkInto creates a relative symlink from bundleRoot/Source() to
// bundleRoot/destination. If the target already exists it must already be
// a symlink resolving to the same relative target, otherwise this is an
// invariant violation (SPEC_FULL.md §4.3 "symlink").
func (n *FileNode) symlinkInto(bundleRoot string) error {
	dest, err := n.Destination()
	if err != nil {
		return err
	}
	linkPath := filepath.Join(bundleRoot, n.Source())
	target, err := filepath.Rel(filepath.Dir(linkPath), filepath.Join(bundleRoot, dest))
	if err != nil {
		return err
	}
	return createRelativeSymlink(linkPath, target)
}

// createEntryPointLink creates a relative symlink from
// stagingDir/bin/<EntryPoint> to bundleRoot/Source()
// (SPEC_FULL.md §4.3 "create_entry_point").
func (n *FileNode) createEntryPointLink(stagingDir, bundleRoot string) error {
	linkPath := filepath.Join(stagingDir, "bin", n.EntryPoint)
	target, err := filepath.Rel(filepath.Dir(linkPath), filepath.Join(bundleRoot, n.Source()))
	if err != nil {
		return err
	}
	return createRelativeSymlink(linkPath, target)
}

func copyFileIfAbsent(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func createRelativeSymlink(linkPath, target string) error {
	if existing, err := os.Readlink(linkPath); err == nil {
		if existing == target {
			return nil
		}
		return fmt.Errorf("%w: %s already links to %s, not %s", ErrInvariantViolation, linkPath, existing, target)
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, linkPath)
}
