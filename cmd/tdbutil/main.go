// tdbutil is a CLI for creating, inspecting, and scripting tdb stores.
//
// Usage:
//
//	tdbutil new [opts] <file>        Create a new store
//	tdbutil <file>                   Open an existing store
//	tdbutil export <file> <out>      Dump every live key/value to a manifest
//	tdbutil import <manifest> <file> Recreate a store from a manifest
//
// Options for 'new' and plain open:
//
//	--hash-size uint32     Number of hash chains (new stores only)
//	--clear-if-first       Truncate and reinitialize if first opener
//	--no-mmap              Route I/O through pread/pwrite instead of mmap
//	--no-lock              Disable all locking (single-process use only)
//	--spinlocks            Enable the in-process chain-lock accelerator
//	--config path          Optional HuJSON sidecar config file
//	-v, --verbose          Log debug diagnostics to stderr
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/gotdb/pkg/fs"
	"github.com/calvinalkan/gotdb/pkg/tdb"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command or store file path")
	}

	switch args[0] {
	case "new":
		return runNew(args[1:])
	case "export":
		return runExportCmd(args[1:])
	case "import":
		return runImportCmd(args[1:])
	default:
		return runOpen(args)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  tdbutil new [opts] <file>        Create a new store")
	fmt.Fprintln(os.Stderr, "  tdbutil <file>                   Open an existing store")
	fmt.Fprintln(os.Stderr, "  tdbutil export <file> <out>      Dump every live key/value to a manifest")
	fmt.Fprintln(os.Stderr, "  tdbutil import <manifest> <file> Recreate a store from a manifest")
}

// storeFlags are the flags shared by 'new' and plain-open.
type storeFlags struct {
	hashSize     uint32
	clearIfFirst bool
	noMMap       bool
	noLock       bool
	spinlocks    bool
	configPath   string
	verbose      bool
}

func registerStoreFlags(flagSet *pflag.FlagSet, sf *storeFlags) {
	flagSet.Uint32Var(&sf.hashSize, "hash-size", 0, "number of hash chains (new stores only)")
	flagSet.BoolVar(&sf.clearIfFirst, "clear-if-first", false, "truncate and reinitialize if first opener")
	flagSet.BoolVar(&sf.noMMap, "no-mmap", false, "route I/O through pread/pwrite instead of mmap")
	flagSet.BoolVar(&sf.noLock, "no-lock", false, "disable all locking (single-process use only)")
	flagSet.BoolVar(&sf.spinlocks, "spinlocks", false, "enable the in-process chain-lock accelerator")
	flagSet.StringVar(&sf.configPath, "config", "", "optional HuJSON sidecar config file")
	flagSet.BoolVarP(&sf.verbose, "verbose", "v", false, "log debug diagnostics (tombstones, growth) to stderr")
}

// logger returns the Logger a storeFlags selects: a stderr-writing logger
// when -v/--verbose was passed, the default no-op logger otherwise.
func (sf storeFlags) logger() tdb.Logger {
	if !sf.verbose {
		return nil
	}

	return tdb.NewStdLogger(os.Stderr, true)
}

func runNew(args []string) error {
	flagSet := pflag.NewFlagSet("new", pflag.ExitOnError)

	var sf storeFlags

	registerStoreFlags(flagSet, &sf)

	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: tdbutil new [options] <file>")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if flagSet.NArg() < 1 {
		flagSet.Usage()
		return errors.New("missing store file path")
	}

	path := flagSet.Arg(0)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("store already exists: %s (use 'tdbutil %s' to open it)", path, path)
	}

	cfg, err := loadSidecarConfig(fs.NewReal(), sf.configPath)
	if err != nil {
		return err
	}

	opts := tdb.Options{
		Path:     path,
		HashSize: sf.hashSize,
		Flags:    cfg.openFlags(sf.clearIfFirst, sf.noMMap, sf.noLock, sf.spinlocks),
		PageSize: cfg.PageSize,
		Logger:   sf.logger(),
	}

	if opts.HashSize == 0 {
		opts.HashSize = cfg.HashSize
	}

	db, err := tdb.Open(opts)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer db.Close()

	repl := &REPL{db: db, path: path}

	return repl.Run()
}

func runOpen(args []string) error {
	flagSet := pflag.NewFlagSet("open", pflag.ExitOnError)

	var sf storeFlags

	registerStoreFlags(flagSet, &sf)

	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: tdbutil [options] <file>")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if flagSet.NArg() < 1 {
		flagSet.Usage()
		return errors.New("missing store file path")
	}

	path := flagSet.Arg(0)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("store does not exist: %s (use 'tdbutil new %s' to create it)", path, path)
	}

	cfg, err := loadSidecarConfig(fs.NewReal(), sf.configPath)
	if err != nil {
		return err
	}

	db, err := tdb.Open(tdb.Options{
		Path:   path,
		Flags:  cfg.openFlags(sf.clearIfFirst, sf.noMMap, sf.noLock, sf.spinlocks),
		Logger: sf.logger(),
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()

	repl := &REPL{db: db, path: path}

	return repl.Run()
}

func runExportCmd(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: tdbutil export <file> <out>")
	}

	return runExport(args[0], args[1])
}

func runImportCmd(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: tdbutil import <manifest> <file>")
	}

	return runImport(args[0], args[1])
}
