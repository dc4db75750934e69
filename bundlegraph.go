package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	env "github.com/xyproto/env/v2"
)

// BundleGraph is a content-addressed set of FileNodes with deduplication
// rules and a single-writer staging directory (SPEC_FULL.md §3/§4.4).
type BundleGraph struct {
	RootPrefix string
	Logger     Logger

	// SourceLibraryPath is the colon-separated library search path
	// observed on the source host at probe time; it seeds every launcher's
	// computed library path (SPEC_FULL.md §4.4).
	SourceLibraryPath string

	files            map[string]*FileNode // keyed by FileNode.Path
	interpreterFiles map[string]*FileNode // keyed by interpreter path
	dependencies     map[string][]string  // root node path -> transitive dependency paths

	stagingDir string
}

// NewBundleGraph constructs an empty graph. rootPrefix, if non-empty, is
// treated as the filesystem root when resolving interpreter and library
// paths (useful for hermetic testing, SPEC_FULL.md §3).
func NewBundleGraph(rootPrefix string, logger Logger) *BundleGraph {
	if logger == nil {
		logger = nopLogger{}
	}
	return &BundleGraph{
		RootPrefix:        rootPrefix,
		Logger:            logger,
		SourceLibraryPath: env.Str("LD_LIBRARY_PATH"),
		files:             make(map[string]*FileNode),
		interpreterFiles:  make(map[string]*FileNode),
		dependencies:      make(map[string][]string),
	}
}

// Files returns every member FileNode, sorted by path for deterministic
// iteration.
func (g *BundleGraph) Files() []*FileNode {
	paths := make([]string, 0, len(g.files))
	for p := range g.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]*FileNode, len(paths))
	for i, p := range paths {
		out[i] = g.files[p]
	}
	return out
}

// Add resolves path and inserts it into the graph (SPEC_FULL.md §4.4
// "Addition"). If path is a directory and entryPoint is empty, every
// regular file beneath it is added recursively and nil is returned (there
// is no single canonical node for a directory add). Otherwise the
// resolved-and-possibly-merged FileNode is returned.
func (g *BundleGraph) Add(path, entryPoint string, library bool) (*FileNode, error) {
	if entryPoint == "" {
		abs, err := filepath.Abs(path)
		if err == nil {
			if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
				return nil, g.addDirectory(abs, library)
			}
		}
	}

	node, err := NewFileNode(path, entryPoint, library, g.RootPrefix)
	if err != nil {
		return nil, err
	}
	return g.addNode(node)
}

func (g *BundleGraph) addDirectory(dir string, library bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		_, err = g.Add(path, "", library)
		return err
	})
}

// addNode merges candidate into the graph by path (SPEC_FULL.md §4.4
// "the two are merged"), then expands its dependency closure if it carries
// (or adopts) an interpreter.
func (g *BundleGraph) addNode(candidate *FileNode) (*FileNode, error) {
	existing, ok := g.files[candidate.Path]
	if !ok {
		g.files[candidate.Path] = candidate
		if err := g.expandForNode(candidate); err != nil {
			return nil, err
		}
		return candidate, nil
	}

	if candidate.EntryPoint != "" {
		if existing.EntryPoint != "" && existing.EntryPoint != candidate.EntryPoint {
			return nil, fmt.Errorf("%w: %s already has entry point %q, cannot also set %q",
				ErrInvariantViolation, candidate.Path, existing.EntryPoint, candidate.EntryPoint)
		}
		existing.EntryPoint = candidate.EntryPoint
	}
	existing.Library = existing.Library || candidate.Library
	existing.NoSymlink = existing.NoSymlink || candidate.NoSymlink
	existing.resetRequiresLauncherCache()

	return existing, nil
}

// expandForNode implements the interpreter-discovery and closure-expansion
// half of "Addition" (SPEC_FULL.md §4.4).
func (g *BundleGraph) expandForNode(node *FileNode) error {
	if node.Header == nil {
		return nil
	}

	interp := node.Header.InterpreterPath
	if interp == "" {
		switch len(g.interpreterFiles) {
		case 1:
			for path := range g.interpreterFiles {
				interp = path
			}
			node.AdoptedInterpreter = interp
		case 0:
			g.Logger.Warn("%s has no program interpreter and none has been observed yet; bundling without a launcher", node.Path)
			return nil
		default:
			g.Logger.Warn("%s has no program interpreter and multiple interpreters have been observed; bundling without a launcher", node.Path)
			return nil
		}
	} else {
		if _, ok := g.interpreterFiles[interp]; !ok {
			interpNode, err := NewFileNode(interp, "", true, g.RootPrefix)
			if err != nil {
				return fmt.Errorf("failed to resolve interpreter %s: %w", interp, err)
			}
			g.interpreterFiles[interp] = interpNode
			g.files[interpNode.Path] = interpNode
		}
	}

	deps, err := g.expandClosure(node.Path, interp)
	if err != nil {
		return err
	}
	g.dependencies[node.Path] = deps

	for _, depPath := range deps {
		depNode, err := NewFileNode(depPath, "", true, g.RootPrefix)
		if err != nil {
			g.Logger.Warn("skipping unresolvable dependency %s: %v", depPath, err)
			continue
		}
		if existing, ok := g.files[depNode.Path]; ok {
			existing.Library = true
			continue
		}
		g.files[depNode.Path] = depNode
		if depNode.Header != nil && depNode.Header.InterpreterPath != "" {
			depInterp := depNode.Header.InterpreterPath
			if _, ok := g.interpreterFiles[depInterp]; !ok {
				interpNode, err := NewFileNode(depInterp, "", true, g.RootPrefix)
				if err != nil {
					g.Logger.Warn("skipping unresolvable interpreter %s: %v", depInterp, err)
					continue
				}
				g.interpreterFiles[depInterp] = interpNode
				if _, ok := g.files[interpNode.Path]; !ok {
					g.files[interpNode.Path] = interpNode
				}
			}
		}
	}

	return nil
}

// expandClosure implements the core set-growth loop from SPEC_FULL.md §4.4:
// "maintain seen and frontier; initialise frontier with direct dependencies
// of the root; while frontier non-empty: move frontier into seen, compute
// direct dependencies of every ... node in frontier, set frontier :=
// new_deps \ seen."
func (g *BundleGraph) expandClosure(rootPath, interpreterPath string) ([]string, error) {
	seen := make(map[string]bool)
	var all []string

	frontier := ProbeDirectDependencies(rootPath, interpreterPath, g.RootPrefix, g.Logger)

	for len(frontier) > 0 {
		next := make(map[string]bool)
		for _, p := range frontier {
			if seen[p] {
				continue
			}
			seen[p] = true
			all = append(all, p)
		}
		for _, p := range frontier {
			for _, d := range ProbeDirectDependencies(p, interpreterPath, g.RootPrefix, g.Logger) {
				if !seen[d] {
					next[d] = true
				}
			}
		}
		frontier = frontier[:0]
		for d := range next {
			frontier = append(frontier, d)
		}
		sort.Strings(frontier)
	}

	sort.Strings(all)
	return all, nil
}

// DirectDependencies probes node's interpreter afresh and returns node's
// direct dependency paths, for test assertions (SPEC_FULL.md §8 scenario 2).
func (g *BundleGraph) DirectDependencies(node *FileNode) []string {
	interp := node.EffectiveInterpreter()
	if interp == "" {
		return nil
	}
	return ProbeDirectDependencies(node.Path, interp, g.RootPrefix, g.Logger)
}

// Dependencies returns every transitive dependency path discovered for
// node's closure (SPEC_FULL.md §8 scenario 2: "dependencies ⊇
// direct_dependencies").
func (g *BundleGraph) Dependencies(node *FileNode) []string {
	return g.dependencies[node.Path]
}

// Hash returns the bundle's content hash: the hex digest of the
// newline-joined sorted list of member content hashes
// (SPEC_FULL.md §3/§8 "reordering add calls does not change it").
func (g *BundleGraph) Hash() (string, error) {
	hashes := make([]string, 0, len(g.files))
	for _, node := range g.files {
		h, err := node.Hash()
		if err != nil {
			return "", err
		}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	d := digest.Canonical.FromString(strings.Join(hashes, "\n"))
	return d.Encoded(), nil
}

// launcherGroup collects the executables sharing one (directory,
// interpreter) pair during materialisation pass B (SPEC_FULL.md §4.4).
type launcherGroup struct {
	dir         string
	interpreter string
	nodes       []*FileNode
}

// Materialise lays out the staging tree: real files, symlinks, linker
// copies, and launchers, per SPEC_FULL.md §3/§4.4. The graph is frozen
// (single-writer) for the duration of this call; staging_dir is owned by
// the graph until explicitly removed.
func (g *BundleGraph) Materialise(stagingDir string, shellLaunchers bool, factory *LauncherFactory) error {
	g.stagingDir = stagingDir

	bundleHash, err := g.Hash()
	if err != nil {
		return err
	}
	bundleRoot := filepath.Join(stagingDir, "bundles", bundleHash)
	if err := os.MkdirAll(bundleRoot, 0o755); err != nil {
		return err
	}

	groups := make(map[string]*launcherGroup)

	for _, node := range g.Files() {
		if node.EntryPoint != "" {
			if err := node.createEntryPointLink(stagingDir, bundleRoot); err != nil {
				return err
			}
		}

		if node.ImpliesNoSymlink() {
			if err := node.copyDirect(bundleRoot); err != nil {
				return err
			}
			continue
		}

		if err := node.copyInto(bundleRoot); err != nil {
			return err
		}

		if !node.RequiresLauncher() {
			if err := node.symlinkInto(bundleRoot); err != nil {
				return err
			}
			continue
		}

		dir := filepath.Dir(node.Source())
		interp := node.Header.InterpreterPath
		key := dir + "|" + interp
		group, ok := groups[key]
		if !ok {
			group = &launcherGroup{dir: dir, interpreter: interp}
			groups[key] = group
		}
		group.nodes = append(group.nodes, node)
	}

	groupKeys := make([]string, 0, len(groups))
	for k := range groups {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	for _, key := range groupKeys {
		if err := g.materialiseLauncherGroup(bundleRoot, groups[key], shellLaunchers, factory); err != nil {
			return err
		}
	}

	return nil
}

func (g *BundleGraph) materialiseLauncherGroup(bundleRoot string, group *launcherGroup, shellLaunchers bool, factory *LauncherFactory) error {
	interpNode, ok := g.interpreterFiles[group.interpreter]
	if !ok {
		return fmt.Errorf("%w: interpreter %s was never resolved", ErrInvariantViolation, group.interpreter)
	}

	interpHash, err := interpNode.Hash()
	if err != nil {
		return err
	}
	linkerDir := filepath.Join(bundleRoot, group.dir)
	linkerBasename, err := placeUniqueFile(linkerDir, "linker-"+interpHash, interpNode.Path)
	if err != nil {
		return err
	}

	fullInterpreter, err := interpreterSupportsFullFlags(interpNode.Path)
	if err != nil {
		return err
	}

	for _, node := range group.nodes {
		dest, err := node.Destination()
		if err != nil {
			return err
		}
		absDest := filepath.Join(bundleRoot, dest)

		symlinkBasename, err := placeUniqueSymlink(linkerDir, filepath.Base(node.Source())+"-x", absDest)
		if err != nil {
			return err
		}

		libraryPath := g.computeLibraryPath(node)

		launcherPath := filepath.Join(bundleRoot, node.Source())
		spec := LauncherSpec{
			InterpreterBasename: linkerBasename,
			LibraryPath:         strings.Join(libraryPath, ":"),
			TargetBasename:      symlinkBasename,
			FullInterpreter:     fullInterpreter,
		}

		if err := factory.Write(launcherPath, spec, shellLaunchers); err != nil {
			return err
		}
	}

	return nil
}

// computeLibraryPath implements SPEC_FULL.md §4.4 "Library search path
// computation".
func (g *BundleGraph) computeLibraryPath(node *FileNode) []string {
	launcherDir := filepath.Dir(node.Source())

	var raw []string
	if g.SourceLibraryPath != "" {
		raw = append(raw, strings.Split(g.SourceLibraryPath, ":")...)
	}
	raw = append(raw, standardLibrarySearchPath...)

	for _, depPath := range g.dependencies[node.Path] {
		raw = append(raw, filepath.Dir(depPath))
	}

	seen := make(map[string]bool)
	var result []string
	for _, dir := range raw {
		if dir == "" {
			continue
		}
		virtual := dir
		if g.RootPrefix != "" {
			if rel, err := filepath.Rel(g.RootPrefix, dir); err == nil && !strings.HasPrefix(rel, "..") {
				virtual = string(filepath.Separator) + rel
			}
		}
		relVirtual := strings.TrimPrefix(virtual, string(filepath.Separator))
		rel, err := filepath.Rel(launcherDir, relVirtual)
		if err != nil {
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		result = append(result, rel)
	}
	return result
}

// placeUniqueFile copies src into dir under baseName, appending "-2", "-3",
// ... on collision with a file of different content, and returns the
// chosen basename (SPEC_FULL.md §4.4 pass B step 1).
func placeUniqueFile(dir, baseName, src string) (string, error) {
	srcHash, err := fileDigest(src)
	if err != nil {
		return "", err
	}
	name := baseName
	for i := 2; ; i++ {
		dst := filepath.Join(dir, name)
		if existingHash, err := fileDigest(dst); err == nil {
			if existingHash == srcHash {
				return name, nil
			}
			name = fmt.Sprintf("%s-%d", baseName, i)
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		if err := copyFileIfAbsent(src, dst); err != nil {
			return "", err
		}
		return name, nil
	}
}

// placeUniqueSymlink creates a relative symlink dir/baseName -> target,
// appending "-2", "-3", ... on collision with a differently-targeted link.
func placeUniqueSymlink(dir, baseName, target string) (string, error) {
	name := baseName
	for i := 2; ; i++ {
		linkPath := filepath.Join(dir, name)
		rel, err := filepath.Rel(dir, target)
		if err != nil {
			return "", err
		}
		if existing, err := os.Readlink(linkPath); err == nil {
			if existing == rel {
				return name, nil
			}
			name = fmt.Sprintf("%s-%d", baseName, i)
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		if err := os.Symlink(rel, linkPath); err != nil {
			return "", err
		}
		return name, nil
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", err
	}
	return d.Encoded(), nil
}

// interpreterSupportsFullFlags scans the interpreter file for the literal
// string "inhibit-rpath", exposing whether it supports the extended
// cache/rpath-inhibiting invocation the launcher can opt into
// (SPEC_FULL.md §4.4 "'Full interpreter' detection").
func interpreterSupportsFullFlags(path string) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.Contains(content, []byte("inhibit-rpath")), nil
}

// Cleanup removes the staging directory on any exit path, success or
// failure (SPEC_FULL.md §5/§7).
func (g *BundleGraph) Cleanup() error {
	if g.stagingDir == "" {
		return nil
	}
	return os.RemoveAll(g.stagingDir)
}
