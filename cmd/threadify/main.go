// Command threadify reconnects orphaned toplevel messages to the
// thread they look like replies to, using body-word overlap and
// subject agreement (§4.6). It rewrites toplevel, connmeta and
// conndata in place; any previously built lexicon is left untouched on
// disk but is stale afterward (its postings no longer match the
// reattached toplevel set), matching the original tool's warning.
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

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/internal/buildmetrics"
	"github.com/uatarchive/uat/internal/cliutil"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/mailtext"
	"github.com/uatarchive/uat/msgstore"
	"github.com/uatarchive/uat/search"
	"github.com/uatarchive/uat/threader"
)

var flagRePrefix = &cli.StringSliceFlag{
	Name:    "i",
	Usage:   "extra reply-subject prefix to strip before comparing subjects (repeatable)",
	EnvVars: []string{"UAT_THREADIFY_RE_PREFIX"},
}

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

	flags := append([]cli.Flag{flagRePrefix, flagMetricsAddr}, cliutil.NewKlogFlagSet()...)
	sort.Sort(cli.FlagsByName(flags))

	app := &cli.App{
		Name:        "threadify",
		Usage:       "reattach orphaned toplevel messages onto the thread they reply to",
		Description: "Reattaches toplevel messages whose References were missing or absent, by body-word overlap plus subject agreement.",
		ArgsUsage:   "<raw-dir>",
		Flags:       flags,
		Action:      runThreadify,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Errorf("threadify: %v", err)
		os.Exit(1)
	}
}

func runThreadify(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return errors.New("usage: threadify <raw-dir> [-i <re-prefix>]*")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Fprintln(os.Stderr, "Directory doesn't exist.")
		os.Exit(1)
	}

	srv, err := buildmetrics.Serve(c.Context, c.String(flagMetricsAddr.Name))
	if err != nil {
		return fmt.Errorf("threadify: start metrics listener: %w", err)
	}
	if srv != nil {
		defer srv.Close()
	}

	store, err := msgstore.OpenRawStore(filepath.Join(dir, "meta"), filepath.Join(dir, "data"))
	if err != nil {
		return fmt.Errorf("threadify: open message store: %w", err)
	}
	defer store.Close()

	graph, err := connectivity.Open(filepath.Join(dir, "connmeta"), filepath.Join(dir, "conndata"), filepath.Join(dir, "toplevel"))
	if err != nil {
		return fmt.Errorf("threadify: open connectivity: %w", err)
	}

	lex, err := lexicon.Open(lexicon.Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
		Dist: filepath.Join(dir, "lexdist"),
	})
	if err != nil {
		return fmt.Errorf("threadify: open lexicon: %w", err)
	}
	defer lex.Close()

	n := store.Size()
	records := make([]connectivity.Record, n)
	for i := 0; i < n; i++ {
		rec, err := graph.Get(i)
		if err != nil {
			return fmt.Errorf("threadify: read connectivity record %d: %w", i, err)
		}
		records[i] = rec
	}
	toplevel := graph.Toplevel()
	if err := graph.Close(); err != nil {
		return fmt.Errorf("threadify: close connectivity: %w", err)
	}

	buf := msgstore.NewExpandingBuffer()
	defer buf.Release()
	text := func(i uint32) (string, error) {
		return store.Get(int(i), buf)
	}
	subject := func(i uint32) (string, error) {
		msg, err := store.Get(int(i), buf)
		if err != nil {
			return "", err
		}
		s, _ := mailtext.FindHeader(msg, "Subject")
		return s, nil
	}

	engine := search.NewEngine(lex, n, lexicon.DefaultTokenizer)
	searchFunc := func(words []string) (map[uint32]float64, error) {
		terms := make([]search.Term, len(words))
		for i, w := range words {
			terms[i] = search.Term{Word: w, Quoted: true}
		}
		data, err := engine.Search(terms, search.FlagsNone, search.ClassFilterOf(mailtext.ClassContent), nil)
		if err != nil {
			return nil, err
		}
		out := make(map[uint32]float64, len(data.Results))
		for _, r := range data.Results {
			out[r.MessageID] = r.Rank
		}
		return out, nil
	}

	opts := threader.Options{ExtraRePrefixes: c.StringSlice(flagRePrefix.Name)}

	bar := progressbar.Default(int64(len(toplevel)), "threadify")
	result, newToplevel, err := threader.RunWithProgressBar(opts, records, toplevel, text, subject, lexicon.DefaultTokenizer, searchFunc, bar)
	if err != nil {
		return fmt.Errorf("threadify: run: %w", err)
	}
	bar.Finish()

	if err := connectivity.Write(
		filepath.Join(dir, "connmeta"), filepath.Join(dir, "conndata"), filepath.Join(dir, "toplevel"),
		records,
	); err != nil {
		return fmt.Errorf("threadify: write: %w", err)
	}

	buildmetrics.ReattachOutcomes.WithLabelValues("new").Add(float64(result.NewThreads))
	buildmetrics.ReattachOutcomes.WithLabelValues("sure").Add(float64(result.Sure))
	buildmetrics.ReattachOutcomes.WithLabelValues("bad").Add(float64(result.Bad))
	buildmetrics.ToplevelCount.Set(float64(len(newToplevel)))

	klog.Infof("New threads: %d\nSure matches: %d\nBad matches: %d", result.NewThreads, result.Sure, result.Bad)
	if result.Sure > 0 {
		klog.Warning("lexicon is now stale: rebuild it (rerun connectivity's lexicon pass) before querying this archive")
	}
	return nil
}
