package counts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"mergefastq/samplemap"
)

var (
	// ErrRecountMissing is returned when a merged FASTQ has no .counts
	// side file.
	ErrRecountMissing = errors.New("counts: recount side file is missing")
	// ErrInconsistentTableCounts is returned when rows of one sample and
	// read end disagree on a derived count column.
	ErrInconsistentTableCounts = errors.New("counts: table rows disagree on a count column")
	// ErrSampleSetDiffers is returned when the count sources do not
	// cover the same sample set.
	ErrSampleSetDiffers = errors.New("counts: count sources cover different sample sets")
)

// Stage tracks the reconciler's one-shot progression. Loading the same
// source twice or validating before all sources are in is a caller bug,
// not an input problem, so transitions are enforced with panics.
type Stage uint8

const (
	// StageUnpopulated is the initial state.
	StageUnpopulated Stage = iota
	// StageProviderCountsLoaded follows LoadProviderGrades.
	StageProviderCountsLoaded
	// StageTableCountsDerived follows DeriveTableCounts.
	StageTableCountsDerived
	// StageRecountCountsLoaded follows LoadRecounts.
	StageRecountCountsLoaded
	// StageCrossValidated follows CrossValidate.
	StageCrossValidated
	// StageReported follows Report.
	StageReported
)

func (s Stage) String() string {
	switch s {
	case StageUnpopulated:
		return "unpopulated"
	case StageProviderCountsLoaded:
		return "provider counts loaded"
	case StageTableCountsDerived:
		return "table counts derived"
	case StageRecountCountsLoaded:
		return "recounts loaded"
	case StageCrossValidated:
		return "cross-validated"
	case StageReported:
		return "reported"
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

// ComparisonRow is the three-way count comparison for one sample. A
// count column is blank when all sources agree; otherwise it lists the
// distinct values seen across the sources in provider, table, recount
// order, joined with ":".
type ComparisonRow struct {
	SampleName   string
	R1           string
	R2           string
	Sample       string
	NoDifference bool
}

// Reconciler cross-validates read counts from three independent
// sources: the provider grading table written at merge time, counts
// re-derived from the canonical table, and recounts of the merged
// FASTQ files. Methods must run in order; see Stage.
type Reconciler struct {
	table *samplemap.Table
	stage Stage

	provider *SeqCov
	derived  *SeqCov
	recount  *SeqCov

	comparison []ComparisonRow
}

// NewReconciler returns a reconciler over the given canonical table.
func NewReconciler(t *samplemap.Table) *Reconciler {
	return &Reconciler{table: t}
}

func (r *Reconciler) advance(from, to Stage) {
	if r.stage != from {
		log.Panicf("counts: reconciler is %s, want %s before %s", r.stage, from, to)
	}
	r.stage = to
}

// LoadProviderGrades loads the provider grading table written at merge
// time.
func (r *Reconciler) LoadProviderGrades(ctx context.Context, path string) error {
	r.advance(StageUnpopulated, StageProviderCountsLoaded)
	sc, err := ReadTSV(ctx, path)
	if err != nil {
		return err
	}
	r.provider = sc
	return nil
}

// uniqueEndValues collects the single per-(sample,end) value of a
// count column, failing if rows of one sample and end disagree.
func uniqueEndValues(t *samplemap.Table, column string, value func(samplemap.ReadRecord) int64) (map[sampleEnd]int64, error) {
	vals := map[sampleEnd]int64{}
	for _, rec := range t.Records {
		key := sampleEnd{rec.RevisedName, rec.ReadEnd}
		v := value(rec)
		if prev, ok := vals[key]; ok && prev != v {
			return nil, fmt.Errorf("%w: %s %s %s: %d vs %d",
				ErrInconsistentTableCounts, rec.RevisedName, rec.ReadEnd, column, prev, v)
		}
		vals[key] = v
	}
	return vals, nil
}

// DeriveTableCounts re-grades the counts carried in the canonical
// table's derived columns, independently of the grading table on disk.
func (r *Reconciler) DeriveTableCounts() error {
	r.advance(StageProviderCountsLoaded, StageTableCountsDerived)
	endReads, err := uniqueEndValues(r.table, "gtac_end_pair_reads",
		func(rec samplemap.ReadRecord) int64 { return rec.EndPairReads })
	if err != nil {
		return err
	}
	sc, err := gradeEndSums(endReads)
	if err != nil {
		return err
	}
	// The sample column must also match its own R1+R2; gradeEndSums only
	// checked the sum it computed itself.
	sampleReads, err := uniqueEndValues(r.table, "gtac_sample_reads",
		func(rec samplemap.ReadRecord) int64 { return rec.SampleReads })
	if err != nil {
		return err
	}
	for _, row := range sc.Rows {
		for _, end := range []samplemap.ReadEnd{samplemap.R1, samplemap.R2} {
			if got := sampleReads[sampleEnd{row.SampleName, end}]; got != row.SampleReads {
				return fmt.Errorf("%w: %s: gtac_sample_reads=%d, R1+R2=%d",
					ErrSampleSumMismatch, row.SampleName, got, row.SampleReads)
			}
		}
	}
	r.derived = sc
	return nil
}

// LoadRecounts reads the .counts side file of every merged FASTQ named
// by the table and grades the recounted values.
func (r *Reconciler) LoadRecounts(ctx context.Context) error {
	r.advance(StageTableCountsDerived, StageRecountCountsLoaded)
	paths, err := uniquePaths(r.table)
	if err != nil {
		return err
	}
	sums := map[sampleEnd]int64{}
	for key, path := range paths {
		data, err := file.ReadFile(ctx, path+".counts")
		if err != nil {
			return fmt.Errorf("%w: %s.counts: %v", ErrRecountMissing, path, err)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return fmt.Errorf("%s.counts: %w", path, err)
		}
		sums[key] = n
	}
	sc, err := gradeEndSums(sums)
	if err != nil {
		return err
	}
	r.recount = sc
	return nil
}

// uniquePaths maps every (sample, end) to its single merged FASTQ path.
func uniquePaths(t *samplemap.Table) (map[sampleEnd]string, error) {
	paths := map[sampleEnd]string{}
	for _, rec := range t.Records {
		key := sampleEnd{rec.RevisedName, rec.ReadEnd}
		if prev, ok := paths[key]; ok && prev != rec.MergedPath {
			return nil, fmt.Errorf("%w: %s %s merged_fastq_path: %s vs %s",
				ErrInconsistentTableCounts, rec.RevisedName, rec.ReadEnd, prev, rec.MergedPath)
		}
		paths[key] = rec.MergedPath
	}
	return paths, nil
}

// joinDistinct renders count values from the sources in order, joined
// with ":" and deduplicated while preserving first occurrence. Full
// agreement renders blank.
func joinDistinct(vals ...int64) (string, bool) {
	var parts []string
	seen := map[int64]bool{}
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			parts = append(parts, strconv.FormatInt(v, 10))
		}
	}
	if len(parts) == 1 {
		return "", true
	}
	return strings.Join(parts, ":"), false
}

// CrossValidate compares the three sources sample by sample. A sample
// set mismatch between sources is an input error; the comparison rows
// record per-column agreement for the report and the audit dump.
func (r *Reconciler) CrossValidate() error {
	r.advance(StageRecountCountsLoaded, StageCrossValidated)
	sources := []*SeqCov{r.provider, r.derived, r.recount}
	byName := make([]map[string]SeqCovRow, len(sources))
	for i, sc := range sources {
		byName[i] = map[string]SeqCovRow{}
		for _, row := range sc.Rows {
			byName[i][row.SampleName] = row
		}
	}
	names := make([]string, 0, len(byName[0]))
	for name := range byName[0] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, m := range byName[1:] {
		if len(m) != len(names) {
			return fmt.Errorf("%w: %d vs %d samples", ErrSampleSetDiffers, len(names), len(m))
		}
		for _, name := range names {
			if _, ok := m[name]; !ok {
				return fmt.Errorf("%w: %s missing from a source", ErrSampleSetDiffers, name)
			}
		}
	}
	for _, name := range names {
		p, d, c := byName[0][name], byName[1][name], byName[2][name]
		row := ComparisonRow{SampleName: name}
		var ok1, ok2, ok3 bool
		row.R1, ok1 = joinDistinct(p.R1Reads, d.R1Reads, c.R1Reads)
		row.R2, ok2 = joinDistinct(p.R2Reads, d.R2Reads, c.R2Reads)
		row.Sample, ok3 = joinDistinct(p.SampleReads, d.SampleReads, c.SampleReads)
		row.NoDifference = ok1 && ok2 && ok3
		r.comparison = append(r.comparison, row)
	}
	return nil
}

// Comparison returns the cross-validation rows. CrossValidate must
// have run.
func (r *Reconciler) Comparison() []ComparisonRow {
	if r.stage < StageCrossValidated {
		log.Panicf("counts: reconciler is %s, cross-validation has not run", r.stage)
	}
	return r.comparison
}

// SourceGrades returns the provider, table-derived, and recount
// gradings, in that order.
func (r *Reconciler) SourceGrades() (provider, derived, recount *SeqCov) {
	if r.stage < StageRecountCountsLoaded {
		log.Panicf("counts: reconciler is %s, sources are not all loaded", r.stage)
	}
	return r.provider, r.derived, r.recount
}

// WriteComparison writes the comparison table and its MD5 side file.
func (r *Reconciler) WriteComparison(ctx context.Context, path string) error {
	if r.stage < StageCrossValidated {
		log.Panicf("counts: reconciler is %s, cross-validation has not run", r.stage)
	}
	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	for _, col := range []string{
		"sample_name", "R1_read_counts", "R2_read_counts", "sample_read_counts", "is_no_difference",
	} {
		w.WriteString(col)
	}
	w.EndLine()
	for _, row := range r.comparison {
		w.WriteString(row.SampleName)
		w.WriteString(row.R1)
		w.WriteString(row.R2)
		w.WriteString(row.Sample)
		w.WriteString(strconv.FormatBool(row.NoDifference))
		w.EndLine()
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return samplemap.WriteFileWithMD5(ctx, path, buf.Bytes())
}

// Report writes a human-readable reconciliation summary. The final
// FINISHED line carries the overall verdict: OK when every sample's
// counts agree across all three sources, DISCORDANT otherwise.
func (r *Reconciler) Report(w io.Writer) error {
	r.advance(StageCrossValidated, StageReported)
	agreed := 0
	for _, row := range r.comparison {
		if row.NoDifference {
			agreed++
		}
	}
	labels := []string{"provider", "table", "recount"}
	for i, sc := range []*SeqCov{r.provider, r.derived, r.recount} {
		passed := 0
		for _, row := range sc.Rows {
			if len(row.Passed) > 0 && row.Passed[0] {
				passed++
			}
		}
		if _, err := fmt.Fprintf(w, "%s counts: %d samples graded, %d passed the minimum target\n",
			labels[i], len(sc.Rows), passed); err != nil {
			return err
		}
	}
	verdict := "OK"
	if agreed != len(r.comparison) {
		verdict = "DISCORDANT"
	}
	if _, err := fmt.Fprintf(w, "count comparison: %d/%d samples identical across sources\n",
		agreed, len(r.comparison)); err != nil {
		return err
	}
	for _, row := range r.comparison {
		if row.NoDifference {
			continue
		}
		if _, err := fmt.Fprintf(w, "needs manual review: %s: R1=%s R2=%s sample=%s\n",
			row.SampleName, row.R1, row.R2, row.Sample); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "FINISHED read count reconciliation: %s\n", verdict)
	return err
}
