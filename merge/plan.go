package merge

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/log"
	"mergefastq/samplemap"
)

var (
	// ErrWrongRecordCount is returned when a passthrough group does not
	// hold exactly one R1 and one R2 record.
	ErrWrongRecordCount = errors.New("merge: wrong record count for passthrough sample")
	// ErrPairIndexMismatch is returned when R1 and R2 of a passthrough
	// pair carry different index sequences.
	ErrPairIndexMismatch = errors.New("merge: R1/R2 index sequences differ")
	// ErrPairFlowCellMismatch is returned when R1 and R2 of a passthrough
	// pair carry different flow cell ids.
	ErrPairFlowCellMismatch = errors.New("merge: R1/R2 flow cell ids differ")
	// ErrPairLaneMismatch is returned when R1 and R2 of a passthrough
	// pair carry different lane numbers.
	ErrPairLaneMismatch = errors.New("merge: R1/R2 lane numbers differ")
	// ErrInconsistentIndex is returned when records being merged do not
	// share one index sequence.
	ErrInconsistentIndex = errors.New("merge: inconsistent index sequence across merge")
	// ErrOrderingInvariant is returned when the sorted R1 and R2 source
	// orders disagree. Concatenation order must correspond 1:1 between
	// mates or the merged pair is corrupt.
	ErrOrderingInvariant = errors.New("merge: R1/R2 concatenation orders differ")
	// ErrNonUniqueRevisedName is returned when records assigned to one
	// read end disagree on the revised sample id.
	ErrNonUniqueRevisedName = errors.New("merge: non-unique revised name in group")
	// ErrDuplicateSourceKey is returned when one read end holds two
	// records with the same flow cell id and lane number. The sort key
	// ties, so the R1 and R2 concatenation orders can silently diverge.
	ErrDuplicateSourceKey = errors.New("merge: duplicate flow cell and lane within a read end")
)

// Step is one abstract operation in a plan. Steps within a plan must
// execute strictly in order.
type Step uint8

const (
	// StepCopy copies a source file toward the destination.
	StepCopy Step = iota + 1
	// StepCompress gzips a copied plaintext file.
	StepCompress
	// StepConcatenate appends the ordered gzip members into the
	// destination file.
	StepConcatenate
	// StepChecksum writes the destination's MD5 side file.
	StepChecksum
	// StepRecount writes the destination's .counts side file from the
	// actual record count.
	StepRecount
	// StepCleanup removes temporary compressed copies.
	StepCleanup
)

func (s Step) String() string {
	switch s {
	case StepCopy:
		return "copy"
	case StepCompress:
		return "compress"
	case StepConcatenate:
		return "concatenate"
	case StepChecksum:
		return "checksum"
	case StepRecount:
		return "recount"
	case StepCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("Step(%d)", uint8(s))
}

// Source is one resolved input file of a plan, in concatenation order.
type Source struct {
	Path       string
	Compressed bool
	FlowCellID string
	Lane       int
}

// Plan is the ordered operation plan for one sample and read end.
type Plan struct {
	SampleIndex  int
	Type         CopyType
	OriginalName string
	RevisedName  string
	End          samplemap.ReadEnd
	Sources      []Source
	Dest         string
	Steps        []Step
}

// HasStep reports whether the plan contains the given step.
func (p *Plan) HasStep(s Step) bool {
	for _, st := range p.Steps {
		if st == s {
			return true
		}
	}
	return false
}

type destKey struct {
	sample string // original sample id
	end    samplemap.ReadEnd
}

// PlanSet holds the plans for every sample group plus the destination
// index used to annotate the canonical table.
type PlanSet struct {
	Plans []Plan

	// destIndex maps (original sample id, read end) to the destination
	// artifact path. Keyed by the original id: revised ids are a rename
	// layer, while original ids are the provenance key carried by every
	// table row from parse time.
	destIndex map[destKey]string
}

// Dest returns the planned destination for the given original sample id
// and read end.
func (ps *PlanSet) Dest(original string, end samplemap.ReadEnd) (string, bool) {
	d, ok := ps.destIndex[destKey{original, end}]
	return d, ok
}

func (ps *PlanSet) addDest(original string, end samplemap.ReadEnd, dest string) {
	key := destKey{original, end}
	if prev, ok := ps.destIndex[key]; ok {
		log.Panicf("merge: duplicate destination index for %s %s: %s and %s",
			original, end, prev, dest)
	}
	ps.destIndex[key] = dest
}

// BuildPlans builds an ordered, paired operation plan for every sample
// group. Plans come back in group order, R1 before R2, so planning the
// same table twice yields identical plans.
func BuildPlans(groups []SampleGroup, outdir string, prober Prober) (*PlanSet, error) {
	ps := &PlanSet{destIndex: map[destKey]string{}}
	for _, g := range groups {
		var (
			plans []Plan
			err   error
		)
		switch g.Type {
		case Passthrough:
			plans, err = planPassthrough(g, outdir, prober)
		case Consolidate:
			plans, err = planConsolidate(g, outdir, prober)
		default:
			log.Panicf("merge: group %s has no copy type", g.RevisedName)
		}
		if err != nil {
			return nil, err
		}
		for _, p := range plans {
			ps.addDest(p.OriginalName, p.End, p.Dest)
			ps.Plans = append(ps.Plans, p)
		}
	}
	return ps, nil
}

// destPath names the merged artifact: {revised}.{R1|R2}.fastq.gz under
// a per-original-sample-id directory.
func destPath(outdir, original, revised string, end samplemap.ReadEnd) string {
	return filepath.Join(outdir, original, fmt.Sprintf("%s.%s.fastq.gz", revised, end))
}

func planPassthrough(g SampleGroup, outdir string, prober Prober) ([]Plan, error) {
	if len(g.Records) != 2 {
		return nil, fmt.Errorf("%w: %s has %d records", ErrWrongRecordCount, g.RevisedName, len(g.Records))
	}
	r1, r2 := g.Records[0], g.Records[1]
	if r1.ReadEnd == samplemap.R2 {
		r1, r2 = r2, r1
	}
	if r1.ReadEnd != samplemap.R1 || r2.ReadEnd != samplemap.R2 {
		return nil, fmt.Errorf("%w: %s lacks an R1/R2 pair", ErrWrongRecordCount, g.RevisedName)
	}
	if r1.IndexSequence != r2.IndexSequence {
		return nil, fmt.Errorf("%w: %s: %s vs %s",
			ErrPairIndexMismatch, g.RevisedName, r1.IndexSequence, r2.IndexSequence)
	}
	if r1.FlowCellID != r2.FlowCellID {
		return nil, fmt.Errorf("%w: %s: %s vs %s",
			ErrPairFlowCellMismatch, g.RevisedName, r1.FlowCellID, r2.FlowCellID)
	}
	if r1.LaneNumber != r2.LaneNumber {
		return nil, fmt.Errorf("%w: %s: %d vs %d",
			ErrPairLaneMismatch, g.RevisedName, r1.LaneNumber, r2.LaneNumber)
	}

	plans := make([]Plan, 0, 2)
	for _, rec := range []samplemap.ReadRecord{r1, r2} {
		resolved, compressed, err := prober.Resolve(rec.FastqPath)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", g.RevisedName, rec.ReadEnd, err)
		}
		steps := []Step{StepCopy}
		if !compressed {
			steps = append(steps, StepCompress)
		}
		steps = append(steps, StepChecksum, StepRecount)
		plans = append(plans, Plan{
			SampleIndex:  g.Index,
			Type:         Passthrough,
			OriginalName: rec.SampleName,
			RevisedName:  g.RevisedName,
			End:          rec.ReadEnd,
			Sources: []Source{{
				Path:       resolved,
				Compressed: compressed,
				FlowCellID: rec.FlowCellID,
				Lane:       rec.LaneNumber,
			}},
			Dest:  destPath(outdir, rec.SampleName, g.RevisedName, rec.ReadEnd),
			Steps: steps,
		})
	}
	return plans, nil
}

type orderKey struct {
	flowCell string
	lane     int
}

func planConsolidate(g SampleGroup, outdir string, prober Prober) ([]Plan, error) {
	index := g.Records[0].IndexSequence
	for _, rec := range g.Records {
		if rec.IndexSequence != index {
			return nil, fmt.Errorf("%w: %s: %s vs %s",
				ErrInconsistentIndex, g.RevisedName, index, rec.IndexSequence)
		}
	}

	byEnd := map[samplemap.ReadEnd][]samplemap.ReadRecord{}
	for _, rec := range g.Records {
		byEnd[rec.ReadEnd] = append(byEnd[rec.ReadEnd], rec)
	}
	keys := map[samplemap.ReadEnd][]orderKey{}
	for end, recs := range byEnd {
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].FlowCellID != recs[j].FlowCellID {
				return recs[i].FlowCellID < recs[j].FlowCellID
			}
			return recs[i].LaneNumber < recs[j].LaneNumber
		})
		for i, rec := range recs {
			key := orderKey{rec.FlowCellID, rec.LaneNumber}
			if i > 0 && key == keys[end][i-1] {
				return nil, fmt.Errorf("%w: %s %s: %s lane %d",
					ErrDuplicateSourceKey, g.RevisedName, end, rec.FlowCellID, rec.LaneNumber)
			}
			keys[end] = append(keys[end], key)
		}
	}
	// The single most important correctness guarantee: the sorted source
	// orders for R1 and R2 must be identical, or concatenation breaks
	// mate correspondence.
	k1, k2 := keys[samplemap.R1], keys[samplemap.R2]
	if len(k1) != len(k2) {
		return nil, fmt.Errorf("%w: %s: %d R1 vs %d R2 sources",
			ErrOrderingInvariant, g.RevisedName, len(k1), len(k2))
	}
	for i := range k1 {
		if k1[i] != k2[i] {
			return nil, fmt.Errorf("%w: %s: position %d: %v vs %v",
				ErrOrderingInvariant, g.RevisedName, i, k1[i], k2[i])
		}
	}

	plans := make([]Plan, 0, 2)
	for _, end := range []samplemap.ReadEnd{samplemap.R1, samplemap.R2} {
		recs := byEnd[end]
		original := recs[0].SampleName
		for _, rec := range recs {
			if rec.RevisedName != g.RevisedName {
				return nil, fmt.Errorf("%w: %s %s: %s",
					ErrNonUniqueRevisedName, g.RevisedName, end, rec.RevisedName)
			}
			if rec.SampleName != original {
				log.Panicf("merge: group %s mixes original sample ids %s and %s",
					g.RevisedName, original, rec.SampleName)
			}
		}
		var (
			sources  []Source
			steps    []Step
			anyPlain bool
		)
		for _, rec := range recs {
			resolved, compressed, err := prober.Resolve(rec.FastqPath)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", g.RevisedName, end, err)
			}
			if !compressed {
				steps = append(steps, StepCopy, StepCompress)
				anyPlain = true
			}
			sources = append(sources, Source{
				Path:       resolved,
				Compressed: compressed,
				FlowCellID: rec.FlowCellID,
				Lane:       rec.LaneNumber,
			})
		}
		steps = append(steps, StepConcatenate, StepChecksum, StepRecount)
		if anyPlain {
			steps = append(steps, StepCleanup)
		}
		plans = append(plans, Plan{
			SampleIndex:  g.Index,
			Type:         Consolidate,
			OriginalName: original,
			RevisedName:  g.RevisedName,
			End:          end,
			Sources:      sources,
			Dest:         destPath(outdir, original, g.RevisedName, end),
			Steps:        steps,
		})
	}
	return plans, nil
}

// Annotate fills the merged_fastq_path and merged_commands columns of
// the canonical table from the plan set. commands renders the audit
// command string for a plan. Misses in either direction indicate a
// planner bug and are fatal.
func (ps *PlanSet) Annotate(t *samplemap.Table, commands func(Plan) string) {
	planByKey := map[destKey]*Plan{}
	for i := range ps.Plans {
		p := &ps.Plans[i]
		key := destKey{p.OriginalName, p.End}
		if _, ok := planByKey[key]; ok {
			log.Panicf("merge: duplicate plan for %s %s", p.OriginalName, p.End)
		}
		planByKey[key] = p
	}

	paths := make([]string, len(t.Records))
	cmds := make([]string, len(t.Records))
	for i, rec := range t.Records {
		key := destKey{rec.SampleName, rec.ReadEnd}
		p, ok := planByKey[key]
		if !ok {
			log.Panicf("merge: sample %s %s belongs to no plan", rec.SampleName, rec.ReadEnd)
		}
		dest, ok := ps.destIndex[key]
		if !ok {
			log.Panicf("merge: destination index miss for %s %s", rec.SampleName, rec.ReadEnd)
		}
		paths[i] = dest
		cmds[i] = commands(*p)
	}
	if len(paths) != len(t.Records) || len(cmds) != len(t.Records) {
		log.Panicf("merge: annotation column length %d/%d != table length %d",
			len(paths), len(cmds), len(t.Records))
	}
	for i := range t.Records {
		t.Records[i].MergedPath = paths[i]
		t.Records[i].MergedCommands = cmds[i]
	}
}
