// Package counts derives, grades, and reconciles read counts for merged
// FASTQ pairs. Counts come from three places: the provider's samplemap
// (what the sequencer claims was delivered), the canonical table (the
// same numbers re-derived independently from per-lane rows), and
// recounts of the merged files themselves. All three must agree.
package counts

import (
	"errors"
	"fmt"

	"mergefastq/samplemap"
)

var (
	// ErrEndPairImbalance is returned when a sample's R1 and R2 read
	// counts differ. Paired-end data must have one R2 read per R1 read.
	ErrEndPairImbalance = errors.New("counts: R1 and R2 read counts differ")
	// ErrSampleSumMismatch is returned when a sample-level count is not
	// the sum of its R1 and R2 counts.
	ErrSampleSumMismatch = errors.New("counts: sample count is not R1+R2")
)

type sampleEnd struct {
	sample string // revised sample id
	end    samplemap.ReadEnd
}

// endSums sums per-record reads by (revised sample, read end).
func endSums(t *samplemap.Table, reads func(samplemap.ReadRecord) int64) map[sampleEnd]int64 {
	sums := map[sampleEnd]int64{}
	for _, rec := range t.Records {
		sums[sampleEnd{rec.RevisedName, rec.ReadEnd}] += reads(rec)
	}
	return sums
}

// AddProviderCounts fills the per-end and per-sample provider count
// columns of the table from the per-FASTQ provider counts. The sample
// count is defined as R1+R2, validated against the paired-end balance
// invariant first.
func AddProviderCounts(t *samplemap.Table) error {
	sums := endSums(t, func(r samplemap.ReadRecord) int64 { return r.ProviderReads })
	for i, rec := range t.Records {
		r1 := sums[sampleEnd{rec.RevisedName, samplemap.R1}]
		r2 := sums[sampleEnd{rec.RevisedName, samplemap.R2}]
		if r1 != r2 {
			return fmt.Errorf("%w: %s: R1=%d R2=%d", ErrEndPairImbalance, rec.RevisedName, r1, r2)
		}
		t.Records[i].EndPairReads = sums[sampleEnd{rec.RevisedName, rec.ReadEnd}]
		t.Records[i].SampleReads = r1 + r2
	}
	return nil
}
