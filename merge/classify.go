// Package merge plans the consolidation of per-lane FASTQ files into
// one file pair per sample. Planning is a pure pass over the canonical
// samplemap table: it classifies every sample, establishes a
// deterministic merge order, and emits abstract operation plans for the
// job executor. No file contents are touched here beyond a compression
// probe on the source paths.
package merge

import (
	"sort"

	"github.com/grailbio/base/log"
	"mergefastq/samplemap"
)

// CopyType classifies how a sample's FASTQ files reach their merged
// destination.
type CopyType uint8

const (
	// Passthrough samples have exactly one flow cell and one R1/R2 pair;
	// their files are copied (and compressed if needed) without
	// concatenation.
	Passthrough CopyType = iota + 1
	// Consolidate samples are split across flow cells or lanes and must
	// be concatenated in a mate-consistent order.
	Consolidate
)

func (c CopyType) String() string {
	switch c {
	case Passthrough:
		return "passthrough"
	case Consolidate:
		return "consolidate"
	}
	return "unknown"
}

// SampleGroup is the set of read records sharing a revised sample id.
type SampleGroup struct {
	// Index is the 1-based position of this group in ascending
	// revised-id order. It feeds job naming downstream.
	Index       int
	RevisedName string
	Records     []samplemap.ReadRecord
	FlowCells   int
	Type        CopyType
}

// GroupSamples groups the table by revised sample id and classifies
// every group. Groups come back in ascending revised-id order, so the
// enumeration (and the job names derived from it) is stable across
// runs.
func GroupSamples(t *samplemap.Table) []SampleGroup {
	byRevised := map[string][]samplemap.ReadRecord{}
	for _, rec := range t.Records {
		byRevised[rec.RevisedName] = append(byRevised[rec.RevisedName], rec)
	}
	names := make([]string, 0, len(byRevised))
	for name := range byRevised {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]SampleGroup, 0, len(names))
	nPassthrough, nConsolidate := 0, 0
	for i, name := range names {
		recs := byRevised[name]
		cells := map[string]bool{}
		for _, rec := range recs {
			cells[rec.FlowCellID] = true
		}
		g := SampleGroup{
			Index:       i + 1,
			RevisedName: name,
			Records:     recs,
			FlowCells:   len(cells),
		}
		if g.FlowCells == 1 && len(recs) == 2 {
			g.Type = Passthrough
			nPassthrough++
		} else {
			g.Type = Consolidate
			nConsolidate++
		}
		groups = append(groups, g)
	}
	// Coverage invariant: the two classification sets must partition the
	// groups. A violation is a grouping bug, not bad input.
	if nPassthrough+nConsolidate != len(groups) {
		log.Panicf("merge: copy type counts differ: %d passthrough + %d consolidate != %d groups",
			nPassthrough, nConsolidate, len(groups))
	}
	return groups
}
