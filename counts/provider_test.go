package counts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mergefastq/samplemap"
)

func countRec(sample, revised string, lane int, end samplemap.ReadEnd, reads int64) samplemap.ReadRecord {
	return samplemap.ReadRecord{
		FlowCellID:    "FC1",
		LaneNumber:    lane,
		ReadEnd:       end,
		SampleName:    sample,
		RevisedName:   revised,
		ProviderReads: reads,
	}
}

// twoLaneTable is a sample split across two lanes with 9M reads per
// end per lane.
func twoLaneTable() *samplemap.Table {
	return &samplemap.Table{Records: []samplemap.ReadRecord{
		countRec("sampleA", "356-017", 1, samplemap.R1, 9_000_000),
		countRec("sampleA", "356-017", 1, samplemap.R2, 9_000_000),
		countRec("sampleA", "356-017", 2, samplemap.R1, 9_000_000),
		countRec("sampleA", "356-017", 2, samplemap.R2, 9_000_000),
	}}
}

func TestAddProviderCounts(t *testing.T) {
	table := twoLaneTable()
	require.NoError(t, AddProviderCounts(table))
	for _, rec := range table.Records {
		assert.Equal(t, int64(18_000_000), rec.EndPairReads)
		assert.Equal(t, int64(36_000_000), rec.SampleReads)
	}
}

func TestAddProviderCountsImbalance(t *testing.T) {
	table := twoLaneTable()
	table.Records[3].ProviderReads = 8_999_999
	require.ErrorIs(t, AddProviderCounts(table), ErrEndPairImbalance)
}
