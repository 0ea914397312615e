// Command galaxy-util builds a galaxy's cross-archive Message-ID
// tables (§4.10) from a directory containing an `archives` file (one
// absolute archive path per line).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/uatarchive/uat/galaxy"
	"github.com/uatarchive/uat/internal/buildmetrics"
	"github.com/uatarchive/uat/internal/cliutil"
)

var flagMetricsAddr = &cli.StringFlag{
	Name:    "metrics-addr",
	Usage:   "if set, serve Prometheus metrics on this address for the duration of the build",
	EnvVars: []string{"UAT_METRICS_ADDR"},
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	flags := append([]cli.Flag{flagMetricsAddr}, cliutil.NewKlogFlagSet()...)
	sort.Sort(cli.FlagsByName(flags))

	app := &cli.App{
		Name:        "galaxy-util",
		Usage:       "build the cross-archive Message-ID tables of a galaxy directory",
		Description: "Reads dir/archives (one archive path per line) and writes the merged Message-ID table, hash index and group-vector table.",
		ArgsUsage:   "<dir>",
		Flags:       flags,
		Action:      runGalaxyUtil,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Errorf("galaxy-util: %v", err)
		os.Exit(1)
	}
}

func runGalaxyUtil(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return errors.New("usage: galaxy-util <dir>")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Fprintln(os.Stderr, "Directory doesn't exist.")
		os.Exit(1)
	}

	srv, err := buildmetrics.Serve(c.Context, c.String(flagMetricsAddr.Name))
	if err != nil {
		return fmt.Errorf("galaxy-util: start metrics listener: %w", err)
	}
	if srv != nil {
		defer srv.Close()
	}

	archivesPath := filepath.Join(dir, "archives")
	archivePaths, err := galaxy.ReadArchiveList(archivesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read %s.\n", archivesPath)
		os.Exit(1)
	}

	klog.Infof("building galaxy from %s archive(s)", humanize.Comma(int64(len(archivePaths))))
	bar := progressbar.Default(int64(len(archivePaths)), "galaxy-util")
	if err := galaxy.BuildWithProgressBar(c.Context, dir, archivePaths, bar); err != nil {
		return fmt.Errorf("galaxy-util: build: %w", err)
	}
	bar.Finish()

	g, err := galaxy.Open(dir)
	if err != nil {
		return fmt.Errorf("galaxy-util: reopen for summary: %w", err)
	}
	defer g.Close()

	buildmetrics.GalaxyArchives.Set(float64(g.NumberOfArchives()))
	buildmetrics.GalaxyMessageIDs.Set(float64(g.NumberOfMessageIDs()))

	klog.Infof("Archives: %d\nUnique Message-IDs: %d", g.NumberOfArchives(), g.NumberOfMessageIDs())
	return nil
}
