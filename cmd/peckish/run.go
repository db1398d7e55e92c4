package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/queer/peckish/internal/artifact"
	"github.com/queer/peckish/internal/cache"
	"github.com/queer/peckish/internal/config"
	_ "github.com/queer/peckish/internal/codec/archpkg"
	_ "github.com/queer/peckish/internal/codec/deb"
	_ "github.com/queer/peckish/internal/codec/dockerimg"
	_ "github.com/queer/peckish/internal/codec/ext4img"
	_ "github.com/queer/peckish/internal/codec/filetree"
	_ "github.com/queer/peckish/internal/codec/oci"
	_ "github.com/queer/peckish/internal/codec/rpm"
	_ "github.com/queer/peckish/internal/codec/tarfmt"
	"github.com/queer/peckish/internal/injection"
	"github.com/queer/peckish/internal/memfs"
	"github.com/queer/peckish/internal/pipeline"
)

// runOptions mirrors dupedogOptions' shape: one struct populated by
// cobra flags and handed to a package-level run function so the logic
// stays testable outside of cobra.
type runOptions struct {
	configPath string
	reportPath string
	cacheFile  string
	workers    int
	noProgress bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the transcoding pipeline described by a peckish.yaml config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "peckish.yaml", "path to configuration file")
	flags.StringVarP(&opts.reportPath, "report", "r", "", "write a newline-separated list of produced artifact paths here")
	flags.StringVar(&opts.cacheFile, "cache-file", "", "bbolt file caching docker/oci blobs across runs (disabled if empty)")
	flags.IntVarP(&opts.workers, "workers", "w", runtime.NumCPU(), "max concurrent producers")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable progress bars")

	return cmd
}

// runPipeline loads cfg, builds the pipeline engine, runs it, and writes
// the --report file if requested. It owns (and closes) every run-scoped
// resource: the staging store and the blob cache.
func runPipeline(opts *runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	store, err := memfs.NewStore("")
	if err != nil {
		return fmt.Errorf("staging store: %w", err)
	}
	defer store.Close()

	var blobCache *cache.Cache
	if opts.cacheFile != "" {
		blobCache, err = cache.Open(opts.cacheFile)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer blobCache.Close()
	}

	errs := make(chan error, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range errs {
			fmt.Fprintln(os.Stderr, "peckish:", e)
		}
	}()

	injEngine := injection.New(store, true)
	showProgress := !opts.noProgress
	engine := pipeline.New(store, injEngine, opts.workers, showProgress, errs, blobCache)

	input := pipeline.Input{
		Format:  cfg.Input.Type,
		Locator: cfg.Input.Locator(),
		Options: cfg.Input.DecodeOptions(),
	}

	producers := make([]artifact.Producer, 0, len(cfg.Output))
	for _, out := range cfg.Output {
		injections, err := cfg.ResolveInjections(out.Injections)
		if err != nil {
			return err
		}
		encOpts, err := out.EncodeOptions()
		if err != nil {
			return err
		}
		producers = append(producers, artifact.Producer{
			Name:       out.Name,
			Format:     out.Type,
			Locator:    out.Locator(),
			Metadata:   cfg.Metadata,
			Injections: injections,
			Options:    encOpts,
		})
	}

	results, runErr := engine.Run(cfg.Chain, input, producers)
	close(errs)
	<-done
	if runErr != nil {
		return runErr
	}

	if opts.reportPath != "" {
		if err := writeReport(opts.reportPath, results); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	return nil
}

// writeReport writes one produced artifact's locator path (or image
// reference) per line, for downstream tooling (spec.md §6, -r/--report).
func writeReport(path string, results []*artifact.Artifact) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, art := range results {
		loc := art.Locator.Path
		if loc == "" {
			loc = art.Locator.Image
		}
		if _, err := fmt.Fprintln(f, loc); err != nil {
			return err
		}
	}
	return nil
}
