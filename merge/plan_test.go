package merge

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mergefastq/samplemap"
)

// fakeProber resolves paths from a fixed map of path to compressed.
type fakeProber map[string]bool

func (f fakeProber) Resolve(path string) (string, bool, error) {
	compressed, ok := f[path]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrSourceMissing, path)
	}
	return path, compressed, nil
}

func rec(sample, revised, fc string, lane int, end samplemap.ReadEnd, index, path string) samplemap.ReadRecord {
	return samplemap.ReadRecord{
		Fastq:         filepath.Base(path),
		FlowCellID:    fc,
		IndexSequence: index,
		LaneNumber:    lane,
		ReadEnd:       end,
		SampleName:    sample,
		RevisedName:   revised,
		FastqPath:     path,
	}
}

func pairTable() *samplemap.Table {
	return &samplemap.Table{Records: []samplemap.ReadRecord{
		rec("sampleA", "356-017", "FC1", 1, samplemap.R1, "AAAA", "/in/a_R1.fastq.gz"),
		rec("sampleA", "356-017", "FC1", 1, samplemap.R2, "AAAA", "/in/a_R2.fastq.gz"),
	}}
}

// splitTable returns a sample sequenced on two flow cells, listed out
// of order.
func splitTable() *samplemap.Table {
	return &samplemap.Table{Records: []samplemap.ReadRecord{
		rec("sampleB", "356-022", "FC2", 2, samplemap.R1, "CCCC", "/in/b_fc2_R1.fastq.gz"),
		rec("sampleB", "356-022", "FC2", 2, samplemap.R2, "CCCC", "/in/b_fc2_R2.fastq.gz"),
		rec("sampleB", "356-022", "FC1", 1, samplemap.R1, "CCCC", "/in/b_fc1_R1.fastq.gz"),
		rec("sampleB", "356-022", "FC1", 1, samplemap.R2, "CCCC", "/in/b_fc1_R2.fastq.gz"),
	}}
}

func allCompressed(t *samplemap.Table) fakeProber {
	p := fakeProber{}
	for _, rec := range t.Records {
		p[rec.FastqPath] = true
	}
	return p
}

func TestGroupSamples(t *testing.T) {
	table := &samplemap.Table{}
	table.Records = append(table.Records, splitTable().Records...)
	table.Records = append(table.Records, pairTable().Records...)

	groups := GroupSamples(table)
	require.Len(t, groups, 2)
	assert.Equal(t, 1, groups[0].Index)
	assert.Equal(t, "356-017", groups[0].RevisedName)
	assert.Equal(t, Passthrough, groups[0].Type)
	assert.Equal(t, 1, groups[0].FlowCells)
	assert.Equal(t, 2, groups[1].Index)
	assert.Equal(t, "356-022", groups[1].RevisedName)
	assert.Equal(t, Consolidate, groups[1].Type)
	assert.Equal(t, 2, groups[1].FlowCells)
}

func TestGroupSamplesSingleFlowCellManyLanes(t *testing.T) {
	table := &samplemap.Table{Records: []samplemap.ReadRecord{
		rec("sampleC", "356-041", "FC1", 1, samplemap.R1, "GGGG", "/in/c_l1_R1.fastq.gz"),
		rec("sampleC", "356-041", "FC1", 1, samplemap.R2, "GGGG", "/in/c_l1_R2.fastq.gz"),
		rec("sampleC", "356-041", "FC1", 2, samplemap.R1, "GGGG", "/in/c_l2_R1.fastq.gz"),
		rec("sampleC", "356-041", "FC1", 2, samplemap.R2, "GGGG", "/in/c_l2_R2.fastq.gz"),
	}}
	groups := GroupSamples(table)
	require.Len(t, groups, 1)
	// One flow cell but four records: more than a single pair, so the
	// sample still needs concatenation.
	assert.Equal(t, Consolidate, groups[0].Type)
}

func TestBuildPlansPassthrough(t *testing.T) {
	table := pairTable()
	ps, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.NoError(t, err)
	require.Len(t, ps.Plans, 2)

	p1 := ps.Plans[0]
	assert.Equal(t, Passthrough, p1.Type)
	assert.Equal(t, samplemap.R1, p1.End)
	assert.Equal(t, "/out/sampleA/356-017.R1.fastq.gz", p1.Dest)
	require.Len(t, p1.Sources, 1)
	assert.Equal(t, "/in/a_R1.fastq.gz", p1.Sources[0].Path)
	assert.Equal(t, []Step{StepCopy, StepChecksum, StepRecount}, p1.Steps)

	p2 := ps.Plans[1]
	assert.Equal(t, samplemap.R2, p2.End)
	assert.Equal(t, "/out/sampleA/356-017.R2.fastq.gz", p2.Dest)

	dest, ok := ps.Dest("sampleA", samplemap.R1)
	assert.True(t, ok)
	assert.Equal(t, p1.Dest, dest)
}

func TestBuildPlansPassthroughPlaintext(t *testing.T) {
	table := pairTable()
	prober := fakeProber{}
	for _, rec := range table.Records {
		prober[rec.FastqPath] = false
	}
	ps, err := BuildPlans(GroupSamples(table), "/out", prober)
	require.NoError(t, err)
	assert.Equal(t, []Step{StepCopy, StepCompress, StepChecksum, StepRecount}, ps.Plans[0].Steps)
}

func TestBuildPlansConsolidateOrder(t *testing.T) {
	table := splitTable()
	ps, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.NoError(t, err)
	require.Len(t, ps.Plans, 2)

	for _, p := range ps.Plans {
		assert.Equal(t, Consolidate, p.Type)
		require.Len(t, p.Sources, 2)
		// FC1 sorts before FC2 regardless of input order.
		assert.Equal(t, "FC1", p.Sources[0].FlowCellID)
		assert.Equal(t, "FC2", p.Sources[1].FlowCellID)
		assert.Equal(t, []Step{StepConcatenate, StepChecksum, StepRecount}, p.Steps)
	}
	assert.Equal(t, "/out/sampleB/356-022.R1.fastq.gz", ps.Plans[0].Dest)
	assert.Equal(t, "/out/sampleB/356-022.R2.fastq.gz", ps.Plans[1].Dest)
}

func TestBuildPlansConsolidatePlaintext(t *testing.T) {
	table := splitTable()
	prober := allCompressed(table)
	prober["/in/b_fc1_R1.fastq.gz"] = false
	ps, err := BuildPlans(GroupSamples(table), "/out", prober)
	require.NoError(t, err)
	assert.Equal(t,
		[]Step{StepCopy, StepCompress, StepConcatenate, StepChecksum, StepRecount, StepCleanup},
		ps.Plans[0].Steps)
	assert.Equal(t, []Step{StepConcatenate, StepChecksum, StepRecount}, ps.Plans[1].Steps)
}

func TestBuildPlansIdempotent(t *testing.T) {
	table := splitTable()
	prober := allCompressed(table)
	first, err := BuildPlans(GroupSamples(table), "/out", prober)
	require.NoError(t, err)
	second, err := BuildPlans(GroupSamples(table), "/out", prober)
	require.NoError(t, err)
	assert.Equal(t, first.Plans, second.Plans)
}

func TestBuildPlansWrongRecordCount(t *testing.T) {
	table := &samplemap.Table{Records: []samplemap.ReadRecord{
		rec("sampleA", "356-017", "FC1", 1, samplemap.R1, "AAAA", "/in/a_R1.fastq.gz"),
		rec("sampleA", "356-017", "FC1", 1, samplemap.R1, "AAAA", "/in/a2_R1.fastq.gz"),
	}}
	_, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.ErrorIs(t, err, ErrWrongRecordCount)
}

func TestBuildPlansPairMismatches(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*samplemap.ReadRecord)
		want   error
	}{
		{"index", func(r *samplemap.ReadRecord) { r.IndexSequence = "TTTT" }, ErrPairIndexMismatch},
		{"flowcell", func(r *samplemap.ReadRecord) { r.FlowCellID = "FC9" }, ErrPairFlowCellMismatch},
		{"lane", func(r *samplemap.ReadRecord) { r.LaneNumber = 7 }, ErrPairLaneMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			table := pairTable()
			tc.mutate(&table.Records[1])
			_, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBuildPlansInconsistentIndex(t *testing.T) {
	table := splitTable()
	table.Records[0].IndexSequence = "TTTT"
	_, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.ErrorIs(t, err, ErrInconsistentIndex)
}

func TestBuildPlansOrderingInvariant(t *testing.T) {
	table := splitTable()
	// Drop the FC1 R2 row: R1 has two sources, R2 has one.
	table.Records = table.Records[:3]
	_, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.ErrorIs(t, err, ErrOrderingInvariant)
}

func TestBuildPlansDuplicateSourceKey(t *testing.T) {
	table := splitTable()
	// A second FC1 lane 1 pair ties the sort key on both ends: the key
	// sequences still match, but the file orders at the tie do not.
	table.Records = append(table.Records,
		rec("sampleB", "356-022", "FC1", 1, samplemap.R1, "CCCC", "/in/b_fc1b_R1.fastq.gz"),
		rec("sampleB", "356-022", "FC1", 1, samplemap.R2, "CCCC", "/in/b_fc1b_R2.fastq.gz"))
	_, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.ErrorIs(t, err, ErrDuplicateSourceKey)
}

func TestBuildPlansMissingSource(t *testing.T) {
	table := pairTable()
	prober := allCompressed(table)
	delete(prober, "/in/a_R2.fastq.gz")
	_, err := BuildPlans(GroupSamples(table), "/out", prober)
	require.ErrorIs(t, err, ErrSourceMissing)
}

func TestAnnotate(t *testing.T) {
	table := pairTable()
	ps, err := BuildPlans(GroupSamples(table), "/out", allCompressed(table))
	require.NoError(t, err)

	ps.Annotate(table, func(p Plan) string {
		return fmt.Sprintf("merge %s %s", p.RevisedName, p.End)
	})
	assert.Equal(t, "/out/sampleA/356-017.R1.fastq.gz", table.Records[0].MergedPath)
	assert.Equal(t, "merge 356-017 R1", table.Records[0].MergedCommands)
	assert.Equal(t, "/out/sampleA/356-017.R2.fastq.gz", table.Records[1].MergedPath)
	assert.Equal(t, "merge 356-017 R2", table.Records[1].MergedCommands)
}
