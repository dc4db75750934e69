package main

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// EntryPointSpec pairs a path to bundle with its optional rename
// (SPEC_FULL.md §6 "-r, --rename").
type EntryPointSpec struct {
	Path   string
	Rename string
}

// Assembler orchestrates the full bundle construction pipeline: ingest
// roots, expand the closure, lay out the staging tree, synthesise
// launchers, and produce the archive stream (SPEC_FULL.md §4.6).
type Assembler struct {
	Executables    []EntryPointSpec
	ExtraPaths     []string
	NoSymlinkPaths []string
	OutputTemplate string
	Tarball        bool
	ShellLaunchers bool
	Detect         bool
	RootPrefix     string

	Logger Logger
}

// Run builds the bundle and writes the resulting archive, returning the
// output filename actually used (after template substitution).
func (a *Assembler) Run() (string, error) {
	logger := a.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	if len(a.Executables) == 0 {
		return "", fmt.Errorf("%w: no executables were specified", ErrUnexpectedInput)
	}

	graph := NewBundleGraph(a.RootPrefix, logger)

	for _, spec := range a.Executables {
		entryPoint := spec.Rename
		if entryPoint == "" {
			entryPoint = filepath.Base(spec.Path)
		}
		entryPoint = strings.ReplaceAll(entryPoint, string(filepath.Separator), "")

		node, err := graph.Add(spec.Path, entryPoint, false)
		if err != nil {
			return "", err
		}

		if a.Detect {
			detected, err := DetectPackageFiles(node.Path)
			if err != nil {
				logger.Warn("dependency detection failed for %s: %v", node.Path, err)
			}
			for _, path := range detected {
				if _, err := graph.Add(path, "", true); err != nil {
					logger.Warn("failed to add detected dependency %s: %v", path, err)
				}
			}
		}
	}

	for _, path := range a.ExtraPaths {
		if _, err := graph.Add(path, "", false); err != nil {
			return "", err
		}
	}

	for _, path := range a.NoSymlinkPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		node, ok := graph.files[filepath.Clean(abs)]
		if !ok {
			return "", fmt.Errorf("%w: %s was marked --no-symlink but was never added", ErrUnexpectedInput, path)
		}
		node.NoSymlink = true
		node.resetRequiresLauncherCache()
	}

	stagingDir, err := os.MkdirTemp("", "exodus-bundle-"+uuid.NewString()+"-")
	if err != nil {
		return "", err
	}
	graph.stagingDir = stagingDir
	defer graph.Cleanup()

	for _, dir := range []string{"bin", "bundles"} {
		if err := os.MkdirAll(filepath.Join(stagingDir, dir), 0o755); err != nil {
			return "", err
		}
	}

	factory := NewLauncherFactory(logger, a.ShellLaunchers)
	if err := graph.Materialise(stagingDir, a.ShellLaunchers, factory); err != nil {
		return "", err
	}

	tarStream, err := buildTarGzStream(stagingDir)
	if err != nil {
		return "", err
	}

	names := make([]string, len(a.Executables))
	for i, spec := range a.Executables {
		names[i] = filepath.Base(spec.Path)
	}
	extension := "sh"
	if a.Tarball {
		extension = "tgz"
	}
	outputFilename := strings.NewReplacer(
		"{{executables}}", strings.Join(names, "-"),
		"{{extension}}", extension,
	).Replace(a.OutputTemplate)

	if err := writeArchive(outputFilename, tarStream, a.Tarball); err != nil {
		return "", err
	}

	logger.Info("successfully created %q", outputFilename)
	return outputFilename, nil
}

// buildTarGzStream streams stagingDir into an in-memory gzip-compressed
// tarball whose top-level entry is "exodus/" (SPEC_FULL.md §4.6/§6).
func buildTarGzStream(stagingDir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		arcname := "exodus"
		if rel != "." {
			arcname = filepath.Join("exodus", rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var linkTarget string
		if d.Type()&fs.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(arcname)
		if d.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeArchive writes tarStream to outputFilename, either as a raw tarball,
// an interactive self-extracting script (file destination), or a
// non-interactive self-extracting script with a base64 payload (stdout
// destination) — SPEC_FULL.md §4.6/§6.
func writeArchive(outputFilename string, tarStream []byte, tarball bool) error {
	toStdout := outputFilename == "-"

	var out io.Writer
	var file *os.File
	if toStdout {
		out = os.Stdout
	} else {
		f, err := os.OpenFile(outputFilename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		file = f
		out = f
	}

	var writeErr error
	switch {
	case tarball:
		_, writeErr = out.Write(tarStream)
	case toStdout:
		writeErr = writeNonInteractiveInstaller(out, tarStream)
	default:
		writeErr = writeInteractiveInstaller(out, tarStream)
	}

	if file != nil {
		closeErr := file.Close()
		if writeErr != nil {
			return writeErr
		}
		if closeErr != nil {
			return closeErr
		}
		info, err := os.Stat(outputFilename)
		if err != nil {
			return err
		}
		return os.Chmod(outputFilename, info.Mode()|0o111)
	}
	return writeErr
}

func writeInteractiveInstaller(out io.Writer, tarStream []byte) error {
	script, err := renderSelfExtractTemplate("install-bundle.sh.tmpl", nil)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, script); err != nil {
		return err
	}
	_, err = out.Write(tarStream)
	return err
}

func writeNonInteractiveInstaller(out io.Writer, tarStream []byte) error {
	encoded := base64.StdEncoding.EncodeToString(tarStream)
	script, err := renderSelfExtractTemplate("install-bundle-noninteractive.sh.tmpl", map[string]string{
		"base64_encoded_tarball": encoded,
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, script)
	return err
}

func renderSelfExtractTemplate(name string, context map[string]string) (string, error) {
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
