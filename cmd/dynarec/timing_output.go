package main

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"dynarec/internal/emit"
	"dynarec/internal/translator"
)

// printStats writes the translator counters with digit grouping; long runs
// reach counts in the millions.
func printStats(out io.Writer, stats translator.Stats) {
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "cache: %d entries (%d tier0, %d tier1, %d stale), size %d, evicted %d\n",
		stats.Entries, stats.Tier0, stats.Tier1, stats.Stale, stats.Size, stats.CacheEvicted)
	p.Fprintf(out, "queue: %d pending, %d dropped\n", stats.Queued, stats.QueueEvicted)
	p.Fprintf(out, "builds: %d tier0, %d tier1, %d replaced, %d failed\n",
		stats.Builds[emit.Tier0], stats.Builds[emit.Tier1], stats.Replaced, stats.Failures)
}
