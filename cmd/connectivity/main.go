// Command connectivity builds a message corpus's parent/child graph
// (§4.5) and its lexicon (§4.8) from an already-ingested archive
// directory (meta/data + midmeta/middata/midhash, produced by the
// ingestion step archive.BuildRaw performs). It writes connmeta,
// conndata, toplevel, the five lexicon files, and the lexdist
// neighbour table (lexdist, lexdist.meta).
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

	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/internal/buildmetrics"
	"github.com/uatarchive/uat/internal/cliutil"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/metadata"
	"github.com/uatarchive/uat/msgstore"
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
		Name:        "connectivity",
		Usage:       "build the parent/child graph and lexicon of an archive directory",
		Description: "Builds connmeta, conndata and toplevel from an archive's message store and Message-ID index, then builds its lexicon.",
		ArgsUsage:   "<dir>",
		Flags:       flags,
		Action:      runConnectivity,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Errorf("connectivity: %v", err)
		os.Exit(1)
	}
}

func runConnectivity(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return errors.New("usage: connectivity <dir>")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Fprintln(os.Stderr, "Directory doesn't exist.")
		os.Exit(1)
	}

	srv, err := buildmetrics.Serve(c.Context, c.String(flagMetricsAddr.Name))
	if err != nil {
		return fmt.Errorf("connectivity: start metrics listener: %w", err)
	}
	if srv != nil {
		defer srv.Close()
	}

	store, err := msgstore.OpenRawStore(filepath.Join(dir, "meta"), filepath.Join(dir, "data"))
	if err != nil {
		return fmt.Errorf("connectivity: open message store: %w", err)
	}
	defer store.Close()

	mids, err := hashindex.Open(filepath.Join(dir, "midhash"))
	if err != nil {
		return fmt.Errorf("connectivity: open message-id hash: %w", err)
	}
	defer mids.Close()

	midTable, err := metadata.Open(filepath.Join(dir, "midmeta"), filepath.Join(dir, "middata"))
	if err != nil {
		return fmt.Errorf("connectivity: open message-id table: %w", err)
	}
	defer midTable.Close()

	resolve := func(i uint32) (string, error) {
		b, err := midTable.Get(int(i))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	n := store.Size()
	klog.Infof("building graph for %s message(s)", humanize.Comma(int64(n)))
	bar := progressbar.Default(int64(n), "connectivity")
	records, stats, err := connectivity.BuildWithProgressBar(store, mids, resolve, bar)
	if err != nil {
		return fmt.Errorf("connectivity: build: %w", err)
	}
	bar.Finish()

	if err := connectivity.Write(
		filepath.Join(dir, "connmeta"), filepath.Join(dir, "conndata"), filepath.Join(dir, "toplevel"),
		records,
	); err != nil {
		return fmt.Errorf("connectivity: write: %w", err)
	}

	buildmetrics.MessagesProcessed.WithLabelValues("connectivity").Add(float64(n))
	buildmetrics.ToplevelCount.Set(float64(len(stats.Toplevel)))
	buildmetrics.MissingReferences.Add(float64(stats.MissingCount))
	buildmetrics.BrokenReferences.Add(float64(stats.BrokenRefs))
	buildmetrics.BadDates.Add(float64(stats.BadDateCount))

	klog.Infof(
		"Top level messages: %d\nMissing messages (maybe crosspost): %d\nMalformed references: %d\nUnparsable date fields: %d",
		len(stats.Toplevel), stats.MissingCount, stats.BrokenRefs, stats.BadDateCount,
	)

	return buildLexicon(dir, store, n)
}

// buildLexicon is the second build pass this tool runs, over the same
// ingested message store: the original tool chain's ingestion step
// would have built the lexicon as part of a dedicated pass that was not
// retrieved alongside connectivity.cpp/threadify.cpp, so it is folded
// in here as a second straight-line scan rather than invented as a
// fourth CLI tool the spec never names.
func buildLexicon(dir string, store msgstore.Source, n int) error {
	klog.Info("building lexicon...")
	buf := msgstore.NewExpandingBuffer()
	defer buf.Release()

	builder := lexicon.NewBuilder(lexicon.DefaultTokenizer)
	bar := progressbar.Default(int64(n), "lexicon")
	for i := 0; i < n; i++ {
		text, err := store.Get(i, buf)
		if err != nil {
			return fmt.Errorf("connectivity: read message %d: %w", i, err)
		}
		builder.AddMessage(uint32(i), text)
		if i%4096 == 0 {
			bar.Set(i)
		}
	}
	bar.Finish()

	paths := lexicon.Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
		Dist: filepath.Join(dir, "lexdist"),
	}
	if err := builder.Build(paths); err != nil {
		return fmt.Errorf("connectivity: build lexicon: %w", err)
	}
	if err := lexicon.BuildDist(paths, builder.SortedWords()); err != nil {
		return fmt.Errorf("connectivity: build lexdist: %w", err)
	}

	buildmetrics.MessagesProcessed.WithLabelValues("lexicon").Add(float64(n))
	buildmetrics.WordsIndexed.Set(float64(builder.NumWords()))
	klog.Infof("Lexicon words: %d", builder.NumWords())
	return nil
}
