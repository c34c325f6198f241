package counts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"mergefastq/samplemap"
)

// DefaultMinPercent is the minimum percent of the smallest target a
// sample must reach to be graded as passing.
const DefaultMinPercent = 80.0

// DefaultTargets is the sequencing throughput ladder, in reads.
var DefaultTargets = []int64{
	100_000,
	200_000,
	300_000,
	400_000,
	500_000,
	1_000_000,
	1_500_000,
	2_000_000,
	2_500_000,
	3_000_000,
	3_500_000,
	4_000_000,
	4_500_000,
	5_000_000,
	10_000_000,
	20_000_000,
	30_000_000,
	40_000_000,
	50_000_000,
}

// SeqCovRow grades one sample against every target in the ladder.
// Percent and Passed are positionally aligned with the ladder.
type SeqCovRow struct {
	SampleName  string
	R1Reads     int64
	R2Reads     int64
	SampleReads int64
	Percent     []float64
	Passed      []bool
}

// SeqCov is a per-sample throughput grading against a target ladder.
type SeqCov struct {
	MinPercent float64
	Targets    []int64
	Rows       []SeqCovRow
}

// humanTarget renders a ladder rung for a column name: 100_000 becomes
// "100K" and 40_000_000 becomes "40M".
func humanTarget(n int64) string {
	if n%1_000_000 == 0 {
		return fmt.Sprintf("%dM", n/1_000_000)
	}
	if n%1_000 == 0 {
		return fmt.Sprintf("%dK", n/1_000)
	}
	return strconv.FormatInt(n, 10)
}

func parseHumanTarget(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "M"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult, s = 1_000, strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// roundPercent rounds to two decimal places, the precision carried in
// the grading report.
func roundPercent(p float64) float64 {
	return math.Round(p*100) / 100
}

// gradeSample grades one sample's counts against the ladder. The
// paired-end balance and sample-sum invariants are enforced here so
// every grading path shares them.
func (sc *SeqCov) gradeSample(name string, r1, r2, sample int64) (SeqCovRow, error) {
	if r1 != r2 {
		return SeqCovRow{}, fmt.Errorf("%w: %s: R1=%d R2=%d", ErrEndPairImbalance, name, r1, r2)
	}
	if sample != r1+r2 {
		return SeqCovRow{}, fmt.Errorf("%w: %s: sample=%d R1+R2=%d",
			ErrSampleSumMismatch, name, sample, r1+r2)
	}
	row := SeqCovRow{
		SampleName:  name,
		R1Reads:     r1,
		R2Reads:     r2,
		SampleReads: sample,
		Percent:     make([]float64, len(sc.Targets)),
		Passed:      make([]bool, len(sc.Targets)),
	}
	for i, target := range sc.Targets {
		pct := roundPercent(float64(sample) / float64(target) * 100)
		row.Percent[i] = pct
		row.Passed[i] = pct >= sc.MinPercent
	}
	return row, nil
}

// gradeEndSums grades every sample in the per-(sample,end) sum map,
// in ascending sample order.
func gradeEndSums(sums map[sampleEnd]int64) (*SeqCov, error) {
	names := map[string]bool{}
	for key := range sums {
		names[key.sample] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	sc := &SeqCov{MinPercent: DefaultMinPercent, Targets: DefaultTargets}
	for _, name := range sorted {
		r1 := sums[sampleEnd{name, samplemap.R1}]
		r2 := sums[sampleEnd{name, samplemap.R2}]
		row, err := sc.gradeSample(name, r1, r2, r1+r2)
		if err != nil {
			return nil, err
		}
		sc.Rows = append(sc.Rows, row)
	}
	return sc, nil
}

// GradeProvider grades the provider-reported counts of every sample in
// the table against the default target ladder.
func GradeProvider(t *samplemap.Table) (*SeqCov, error) {
	return gradeEndSums(endSums(t, func(r samplemap.ReadRecord) int64 { return r.ProviderReads }))
}

// seqcov table layout: five fixed columns, then a percent and a pass
// column per ladder rung.
var seqCovFixedColumns = []string{
	"sample_name",
	"R1_read_counts",
	"R2_read_counts",
	"sample_read_counts",
	"min_target_perct_cov",
}

// WriteTSV writes the grading table and its MD5 side file. Column
// count depends on the ladder, so rows are written field by field
// rather than through a struct schema.
func (sc *SeqCov) WriteTSV(ctx context.Context, path string) error {
	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	for _, col := range seqCovFixedColumns {
		w.WriteString(col)
	}
	for _, target := range sc.Targets {
		w.WriteString("perct_of_" + humanTarget(target))
		w.WriteString("is_passed_" + humanTarget(target))
	}
	w.EndLine()
	for _, row := range sc.Rows {
		if len(row.Percent) != len(sc.Targets) || len(row.Passed) != len(sc.Targets) {
			log.Panicf("counts: %s graded against %d/%d targets, ladder has %d",
				row.SampleName, len(row.Percent), len(row.Passed), len(sc.Targets))
		}
		w.WriteString(row.SampleName)
		w.WriteInt64(row.R1Reads)
		w.WriteInt64(row.R2Reads)
		w.WriteInt64(row.SampleReads)
		w.WriteFloat64(sc.MinPercent, 'f', 2)
		for i := range sc.Targets {
			w.WriteFloat64(row.Percent[i], 'f', 2)
			w.WriteString(strconv.FormatBool(row.Passed[i]))
		}
		w.EndLine()
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return samplemap.WriteFileWithMD5(ctx, path, buf.Bytes())
}

// ReadTSV loads a grading table written by WriteTSV. Older dumps spell
// the pass columns "is_pased_N"; both spellings are accepted.
func ReadTSV(ctx context.Context, path string) (*SeqCov, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty grading table", path)
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < len(seqCovFixedColumns) {
		return nil, fmt.Errorf("%s: short header: %v", path, header)
	}
	for i, want := range seqCovFixedColumns {
		if header[i] != want {
			return nil, fmt.Errorf("%s: column %d is %q, want %q", path, i, header[i], want)
		}
	}
	sc := &SeqCov{}
	ladder := header[len(seqCovFixedColumns):]
	if len(ladder)%2 != 0 {
		return nil, fmt.Errorf("%s: unpaired ladder columns: %v", path, ladder)
	}
	for i := 0; i < len(ladder); i += 2 {
		pct, pass := ladder[i], ladder[i+1]
		if !strings.HasPrefix(pct, "perct_of_") {
			return nil, fmt.Errorf("%s: unexpected column %q", path, pct)
		}
		tag := strings.TrimPrefix(pct, "perct_of_")
		if pass != "is_passed_"+tag && pass != "is_pased_"+tag {
			return nil, fmt.Errorf("%s: unexpected column %q", path, pass)
		}
		target, err := parseHumanTarget(tag)
		if err != nil {
			return nil, fmt.Errorf("%s: parsing target %q: %w", path, tag, err)
		}
		sc.Targets = append(sc.Targets, target)
	}
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%s: row has %d fields, want %d", path, len(fields), len(header))
		}
		row := SeqCovRow{SampleName: fields[0]}
		if row.R1Reads, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if row.R2Reads, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if row.SampleReads, err = strconv.ParseInt(fields[3], 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if sc.MinPercent, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i := range sc.Targets {
			pct, err := strconv.ParseFloat(fields[5+2*i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			pass, err := strconv.ParseBool(fields[6+2*i])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			row.Percent = append(row.Percent, pct)
			row.Passed = append(row.Passed, pass)
		}
		sc.Rows = append(sc.Rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sc, nil
}
