// Package threader reattaches orphaned toplevel messages to the thread
// they actually reply to when their References chain was broken (§4.6):
// for every toplevel message it searches the lexicon for its own
// content, ranks the candidate messages that content hits land in, and
// reparents the toplevel message onto the best candidate if their
// (stripped) subjects agree.
package threader

import (
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/mailtext"
)

// defaultReList holds the reply-prefix markers stripped before comparing
// two messages' subjects. Re[2]:..Re[9]: cover mail clients that number
// nested reply depth; Odp: is Polish mail software's "Re:" equivalent.
var defaultReList = []string{
	"Re:", "RE:", "re:", "Odp:",
	"Re[2]:", "Re[3]:", "Re[4]:", "Re[5]:",
	"Re[6]:", "Re[7]:", "Re[8]:", "Re[9]:",
}

// wroteMarkers are substrings that mark a quoted line as an attribution
// line ("On ... X wrote:") rather than quoted body content, in English
// and Polish mail clients.
var wroteMarkers = []string{"wrote", "napisał"}

// Options configures a Run call. A zero Options is usable: it uses
// defaultReList and wroteMarkers unmodified.
type Options struct {
	// ExtraRePrefixes are appended to defaultReList, letting a caller
	// recognize additional reply markers (the original tool's -i flag).
	ExtraRePrefixes []string
}

func (o Options) reList() []string {
	if len(o.ExtraRePrefixes) == 0 {
		return defaultReList
	}
	out := make([]string, 0, len(defaultReList)+len(o.ExtraRePrefixes))
	out = append(out, defaultReList...)
	out = append(out, o.ExtraRePrefixes...)
	return out
}

// killRe strips one leading reply-prefix marker, and any run of leading
// spaces before it, repeatedly, stopping at the first non-match -
// matching the original tool's KillRe.
func killRe(s string, reList []string) string {
	for {
		s = strings.TrimLeft(s, " ")
		matched := false
		for _, prefix := range reList {
			if strings.HasPrefix(s, prefix) {
				s = s[len(prefix):]
				matched = true
				break
			}
		}
		if !matched {
			return s
		}
	}
}

// isWroteLine reports whether line contains one of wroteMarkers, meaning
// it attributes a quote ("On <date>, X wrote:") rather than carrying
// quoted content.
func isWroteLine(line string) bool {
	for _, m := range wroteMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// SearchFunc ranks words (the tokens of one quoted line) against the
// corpus, restricted to Content-class hits, and returns a rank per
// matching message. It is satisfied by a *search.Engine's Search method
// via a small adapter, kept as a function type here so this package never imports search directly
// (the scoring model belongs to search; threader only consumes it).
type SearchFunc func(words []string) (map[uint32]float64, error)

// MessageText reads one message's raw text by index.
type MessageText func(i uint32) (string, error)

// Subject reads one message's Subject header value by index.
type Subject func(i uint32) (string, error)

// Result summarizes one Run call.
type Result struct {
	NewThreads int // toplevel messages left unmatched
	Sure       int // toplevel messages reattached (subjects agreed)
	Bad        int // best match found, but subjects disagreed
}

// Run reattaches orphaned toplevel messages onto the thread their body
// content best matches. records is mutated in place;
// records[i].ChildTotal is kept consistent up every ancestor chain
// touched by a reattachment. The returned slice is toplevel with the
// reattached entries removed; the toplevel argument itself is left
// unchanged. Call connectivity.Write afterward to persist the result;
// any lexicon built against the old toplevel set is stale once Run
// reattaches at least one message (see DESIGN.md).
func Run(opts Options, records []connectivity.Record, toplevel []uint32, text MessageText, subject Subject, tokenizer lexicon.Tokenizer, search SearchFunc) (Result, []uint32, error) {
	return run(opts, records, toplevel, text, subject, tokenizer, search, nil)
}

// RunWithProgressBar is Run, reporting progress on bar at the same
// per-1024-message cadence the original threading pass prints.
func RunWithProgressBar(opts Options, records []connectivity.Record, toplevel []uint32, text MessageText, subject Subject, tokenizer lexicon.Tokenizer, search SearchFunc, bar *progressbar.ProgressBar) (Result, []uint32, error) {
	return run(opts, records, toplevel, text, subject, tokenizer, search, bar)
}

// progressTick is the toplevel-message cadence the original threading
// pass reports progress at.
const progressTick = 1024

func run(opts Options, records []connectivity.Record, toplevel []uint32, text MessageText, subject Subject, tokenizer lexicon.Tokenizer, search SearchFunc, bar *progressbar.ProgressBar) (Result, []uint32, error) {
	if tokenizer == nil {
		tokenizer = lexicon.DefaultTokenizer
	}
	reList := opts.reList()

	root := computeRoots(records)

	var result Result
	removed := make(map[uint32]bool)

	for n, i := range toplevel {
		if bar != nil && n%progressTick == 0 {
			bar.Set(n)
		}
		body, err := text(i)
		if err != nil {
			return Result{}, nil, err
		}

		hits, err := accumulateContentHits(body, tokenizer, search)
		if err != nil {
			return Result{}, nil, err
		}

		if len(hits) == 0 {
			result.NewThreads++
			continue
		}

		best := argmax(hits)
		if root[i] == root[best] {
			result.NewThreads++
			continue
		}

		s1, err := subject(i)
		if err != nil {
			return Result{}, nil, err
		}
		s2, err := subject(best)
		if err != nil {
			return Result{}, nil, err
		}
		if killRe(s1, reList) == killRe(s2, reList) {
			result.Sure++
			attach(records, i, best)
			// Everything rooted at i now roots at best's thread, so a
			// later orphan cannot be reattached into i's (former)
			// component and form a cycle.
			newRoot := root[best]
			for j := range root {
				if root[j] == i {
					root[j] = newRoot
				}
			}
			removed[i] = true
		} else {
			result.Bad++
		}
	}
	if bar != nil {
		bar.Set(len(toplevel))
	}

	newToplevel := toplevel[:0:0]
	for _, id := range toplevel {
		if !removed[id] {
			newToplevel = append(newToplevel, id)
		}
	}
	return result, newToplevel, nil
}

// computeRoots walks every message's parent chain once, memoizing
// intermediate results, and returns the thread root for every index.
func computeRoots(records []connectivity.Record) []uint32 {
	root := make([]uint32, len(records))
	done := make([]bool, len(records))

	var resolve func(i uint32) uint32
	resolve = func(i uint32) uint32 {
		if done[i] {
			return root[i]
		}
		if records[i].Parent < 0 {
			root[i] = i
		} else {
			root[i] = resolve(uint32(records[i].Parent))
		}
		done[i] = true
		return root[i]
	}

	for i := range records {
		resolve(uint32(i))
	}
	return root
}

// accumulateContentHits walks the toplevel message body line by line
// exactly as the original tool does: header block first (terminated by
// the first blank line), then only quotation-level-1 lines, skipping the
// first attribution ("wrote:") line once found, tokenizing each
// remaining line and searching it against the corpus. A candidate
// message's score accumulates rank * wordCount^2 across every matching
// line, rewarding longer exact overlaps over many small ones.
func accumulateContentHits(body string, tokenizer lexicon.Tokenizer, search SearchFunc) (map[uint32]float64, error) {
	hits := make(map[uint32]float64)
	wroteDone := false
	inHeaders := true

	for _, line := range strings.Split(body, "\n") {
		if inHeaders {
			if line == "" {
				inHeaders = false
			}
			continue
		}
		if mailtext.QuotationLevel(line) != 1 {
			continue
		}
		trimmed := strings.TrimLeft(line, " >:|\t")
		if trimmed == "" {
			continue
		}
		if !wroteDone && isWroteLine(trimmed) {
			wroteDone = true
			continue
		}

		words := tokenizer.Tokenize(trimmed)
		if len(words) == 0 {
			continue
		}

		ranked, err := search(words)
		if err != nil {
			return nil, err
		}
		weight := float64(len(words) * len(words))
		for id, rank := range ranked {
			hits[id] += rank * weight
		}
	}
	return hits, nil
}

func argmax(hits map[uint32]float64) uint32 {
	var best uint32
	var bestRank float64 = -1
	ids := make([]uint32, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if hits[id] > bestRank {
			bestRank = hits[id]
			best = id
		}
	}
	return best
}

// attach makes child a child of parent: it sets the parent link, keeps
// the parent's children sorted by epoch (matching the original tool's
// post-merge Sort step), and propagates the reattached subtree's size
// (the child itself plus its descendants) up the new ancestor chain.
func attach(records []connectivity.Record, child, parent uint32) {
	records[child].Parent = int32(parent)
	records[parent].Children = append(records[parent].Children, child)

	add := 1 + records[child].ChildTotal
	for idx := int32(parent); ; {
		records[idx].ChildTotal += add
		up := records[idx].Parent
		if up < 0 {
			break
		}
		idx = up
	}

	children := records[parent].Children
	sort.SliceStable(children, func(i, j int) bool {
		ci, cj := children[i], children[j]
		if records[ci].Epoch != records[cj].Epoch {
			return records[ci].Epoch < records[cj].Epoch
		}
		return ci < cj
	})
}
