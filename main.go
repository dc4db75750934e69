package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("exodus", pflag.ContinueOnError)

	chroot := flags.String("chroot", "", "root prefix for interpreter/library resolution")
	add := flags.StringArray("add", nil, "additional file or directory to include (repeatable)")
	detect := flags.Bool("detect", false, "consult the package-manager auto-detect collaborator")
	noSymlink := flags.StringArray("no-symlink", nil, "file that must be copied directly, not symlinked into the data pool (repeatable)")
	output := flags.StringP("output", "o", "./exodus-{{executables}}-bundle.{{extension}}", "output filename template; '-' for standard output")
	rename := flags.StringArrayP("rename", "r", nil, "rename for the positionally-matched entry point (repeatable)")
	shellLaunchers := flags.Bool("shell-launchers", false, "skip the compiled launcher backend")
	tarball := flags.BoolP("tarball", "t", false, "emit a raw tarball instead of a self-extracting script")
	quiet := flags.BoolP("quiet", "q", false, "suppress warnings; report errors only")
	verbose := flags.BoolP("verbose", "v", false, "include informational output and error tracebacks")

	flags.SortFlags = false
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := NewLogger(*quiet, *verbose)

	executables := flags.Args()
	if len(executables) == 0 && !isatty.IsTerminal(os.Stdin.Fd()) {
		piped, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read standard input: %v", err)
			return 1
		}
		executables = ExtractFilenames(string(piped), "", false)
	}

	if len(executables) == 0 {
		logger.Error("%v", fmt.Errorf("%w: no executables were specified", ErrUnexpectedInput))
		return 1
	}
	if len(*rename) > len(executables) {
		logger.Error("%v", fmt.Errorf("%w: more --rename values than executables", ErrUnexpectedInput))
		return 1
	}

	entryPoints := make([]EntryPointSpec, len(executables))
	for i, path := range executables {
		spec := EntryPointSpec{Path: path}
		if i < len(*rename) {
			spec.Rename = (*rename)[i]
		}
		entryPoints[i] = spec
	}

	outputTemplate := *output
	if outputTemplate != "-" && !isatty.IsTerminal(os.Stdout.Fd()) && !flags.Changed("output") {
		outputTemplate = "-"
	}

	assembler := &Assembler{
		Executables:    entryPoints,
		ExtraPaths:     *add,
		NoSymlinkPaths: *noSymlink,
		OutputTemplate: outputTemplate,
		Tarball:        *tarball,
		ShellLaunchers: *shellLaunchers,
		Detect:         *detect,
		RootPrefix:     *chroot,
		Logger:         logger,
	}

	startedAt := diskUsage(executables)
	outputFilename, err := assembler.Run()
	if err != nil {
		traced := errors.WithStack(err)
		logger.Error("%v", err)
		if *verbose {
			fmt.Fprintf(os.Stderr, "%+v\n", traced)
		}
		return 1
	}

	if *verbose && outputFilename != "-" {
		if info, statErr := os.Stat(outputFilename); statErr == nil {
			logger.Info("wrote %s (%s, source inputs %s)", outputFilename,
				humanize.Bytes(uint64(info.Size())), humanize.Bytes(startedAt))
		}
	}

	return 0
}

// diskUsage sums the size of the given paths for the optional verbose
// summary line; unreadable paths simply contribute zero.
func diskUsage(paths []string) uint64 {
	var total uint64
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			total += uint64(info.Size())
		}
	}
	return total
}
