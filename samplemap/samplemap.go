// Package samplemap parses provider Samplemap.csv files into a
// canonical table of per-FASTQ read records. The provider ships one
// Samplemap.csv per sequencing batch; the fields we keep are the subset
// needed for FASTQ consolidation and throughput assessment.
package samplemap

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
)

var (
	// ErrFileName is returned when an input file is not named Samplemap.csv.
	ErrFileName = errors.New("samplemap: file name does not match Samplemap.csv")
	// ErrSchemaMismatch is returned when the column set matches no
	// recognized samplemap format.
	ErrSchemaMismatch = errors.New("samplemap: unknown samplemap format")
	// ErrAmbiguousReadEnd is returned when a FASTQ file name carries no
	// _R1_/_R2_ tag.
	ErrAmbiguousReadEnd = errors.New("samplemap: read-pair tag is not R1 or R2")
	// ErrCrossBatchSample is returned when one sample id appears in more
	// than one samplemap batch. Top-up sequencing across submissions is
	// not auto-mergeable and needs manual intervention.
	ErrCrossBatchSample = errors.New("samplemap: sample exists across multiple batches")
	// ErrIndexCardinality is returned when a sample id maps to more than
	// one index sequence.
	ErrIndexCardinality = errors.New("samplemap: bad sample id to index sequence cardinality")
	// ErrUnmappedSample is returned when a sample id has no rename entry.
	ErrUnmappedSample = errors.New("samplemap: sample id is not in the rename map")
	// ErrNullRevisedID is returned when a rename entry maps to an empty id.
	ErrNullRevisedID = errors.New("samplemap: revised sample id is null")
	// ErrSampleSetMismatch is returned when the samplemap and rename
	// sample id sets are not equal.
	ErrSampleSetMismatch = errors.New("samplemap: samplemap and rename sample ids do not match")
)

// ReadEnd identifies one mate of a paired-end read.
type ReadEnd uint8

const (
	// R1 is the first mate of a read pair.
	R1 ReadEnd = iota + 1
	// R2 is the second mate of a read pair.
	R2
)

// String returns "R1" or "R2".
func (e ReadEnd) String() string {
	switch e {
	case R1:
		return "R1"
	case R2:
		return "R2"
	}
	return fmt.Sprintf("ReadEnd(%d)", uint8(e))
}

// Number returns the read end as 1 or 2, the representation used in
// the canonical table dump.
func (e ReadEnd) Number() int64 { return int64(e) }

// ReadEndFromNumber converts a table read_number back to a ReadEnd.
func ReadEndFromNumber(n int64) (ReadEnd, error) {
	switch n {
	case 1:
		return R1, nil
	case 2:
		return R2, nil
	}
	return 0, fmt.Errorf("%w: read_number %d", ErrAmbiguousReadEnd, n)
}

// ReadRecord is one row of the canonical table: a single FASTQ file
// reference from a provider samplemap. Records are immutable after
// parsing except for the revised-name annotation added by ApplyRename
// and the merged-path/commands annotation added by the planner.
type ReadRecord struct {
	Fastq         string // FASTQ file name as listed in the samplemap
	FlowCellID    string
	IndexSequence string
	LaneNumber    int
	ReadEnd       ReadEnd
	SampleName    string // original sample id (the samplemap Library Name)
	RevisedName   string // set by Table.ApplyRename
	LibraryType   string
	TotalBases    int64
	ProviderReads int64 // read count reported by the provider for this FASTQ
	ESPID         string
	PoolName      string
	SamplemapPath string
	FastqPath     string // samplemap directory joined with Fastq
	BatchID       int    // 1-based input order of the samplemap file

	// EndPairReads and SampleReads are provider-derived counts filled in
	// by counts.AddProviderCounts.
	EndPairReads int64
	SampleReads  int64

	// MergedPath and MergedCommands are filled in by merge.Annotate.
	MergedPath     string
	MergedCommands string
}

// FileName is the required samplemap file name.
const FileName = "Samplemap.csv"

// formatMid2024 names the only recognized samplemap column set. The
// provider has shipped several inconsistent layouts over time; column
// order is irrelevant as long as the set matches exactly.
const formatMid2024 = "smap_mid_2024_format"

var mid2024Columns = []string{
	"FASTQ",
	"Flowcell ID",
	"Index Sequence",
	"Flowcell Lane",
	"ESP ID",
	"Pool Name",
	"Species",
	"Illumina Sample Type",
	"Library Type",
	"Library Name",
	"Date Complete",
	"Total Reads",
	"Total Bases",
	"PhiX Error Rate",
	"% Pass Filter Clusters",
	"% >Q30",
	"Avg Q Score",
}

var readEndRE = regexp.MustCompile(`(?i)_R([12])_`)

// typeFormat validates the file name and column set of a samplemap and
// returns the format name.
func typeFormat(path string, header []string) (string, error) {
	if filepath.Base(path) != FileName {
		return "", fmt.Errorf("%w: %s", ErrFileName, filepath.Base(path))
	}
	if len(header) != len(mid2024Columns) {
		return "", fmt.Errorf("%w: %v", ErrSchemaMismatch, header)
	}
	want := map[string]bool{}
	for _, col := range mid2024Columns {
		want[col] = true
	}
	for _, col := range header {
		if !want[col] {
			return "", fmt.Errorf("%w: unexpected column %q", ErrSchemaMismatch, col)
		}
		delete(want, col)
	}
	if len(want) != 0 {
		return "", fmt.Errorf("%w: %v", ErrSchemaMismatch, header)
	}
	return formatMid2024, nil
}

// parseCount parses a thousands-separated integer field such as the
// provider's "75,191,910".
func parseCount(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
}

// parseReadEnd extracts R1/R2 from a file-name-embedded tag,
// case-insensitively.
func parseReadEnd(fastq string) (ReadEnd, error) {
	m := readEndRE.FindStringSubmatch(fastq)
	if m == nil {
		return 0, fmt.Errorf("%w: %s", ErrAmbiguousReadEnd, fastq)
	}
	if m[1] == "1" {
		return R1, nil
	}
	return R2, nil
}

// parseOne parses a single samplemap into records tagged with batchID.
// The samplemap's directory becomes the base for FastqPath resolution;
// the file itself carries bare FASTQ names.
func parseOne(ctx context.Context, path string, batchID int) ([]ReadRecord, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(string(data)))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w: empty file", path, ErrSchemaMismatch)
	}
	header := rows[0]
	if _, err := typeFormat(path, header); err != nil {
		return nil, err
	}
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	dir := filepath.Dir(path)

	records := make([]ReadRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fastq := row[col["FASTQ"]]
		end, err := parseReadEnd(fastq)
		if err != nil {
			return nil, err
		}
		lane, err := strconv.Atoi(strings.TrimSpace(row[col["Flowcell Lane"]]))
		if err != nil {
			return nil, fmt.Errorf("%s: parsing Flowcell Lane: %w", path, err)
		}
		reads, err := parseCount(row[col["Total Reads"]])
		if err != nil {
			return nil, fmt.Errorf("%s: parsing Total Reads: %w", path, err)
		}
		bases, err := parseCount(row[col["Total Bases"]])
		if err != nil {
			return nil, fmt.Errorf("%s: parsing Total Bases: %w", path, err)
		}
		records = append(records, ReadRecord{
			Fastq:         fastq,
			FlowCellID:    row[col["Flowcell ID"]],
			IndexSequence: row[col["Index Sequence"]],
			LaneNumber:    lane,
			ReadEnd:       end,
			SampleName:    row[col["Library Name"]],
			LibraryType:   row[col["Library Type"]],
			TotalBases:    bases,
			ProviderReads: reads,
			ESPID:         row[col["ESP ID"]],
			PoolName:      row[col["Pool Name"]],
			SamplemapPath: path,
			FastqPath:     filepath.Join(dir, fastq),
			BatchID:       batchID,
		})
	}
	return records, nil
}

// Parse reads all samplemap files, in order, into one canonical table.
// Batch ids are assigned from input order, starting at 1.
func Parse(ctx context.Context, paths []string) (*Table, error) {
	var records []ReadRecord
	for i, path := range paths {
		batch, err := parseOne(ctx, path, i+1)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
	t := &Table{Records: records}
	if err := t.checkCrossBatchSamples(); err != nil {
		return nil, err
	}
	if err := t.checkIndexCardinality(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) checkCrossBatchSamples() error {
	batches := map[string]map[int]bool{}
	for _, rec := range t.Records {
		if batches[rec.SampleName] == nil {
			batches[rec.SampleName] = map[int]bool{}
		}
		batches[rec.SampleName][rec.BatchID] = true
	}
	for sample, set := range batches {
		if len(set) > 1 {
			return fmt.Errorf("%w: %s seen in %d batches", ErrCrossBatchSample, sample, len(set))
		}
	}
	return nil
}

func (t *Table) checkIndexCardinality() error {
	indexes := map[string]map[string]bool{}
	for _, rec := range t.Records {
		if indexes[rec.SampleName] == nil {
			indexes[rec.SampleName] = map[string]bool{}
		}
		indexes[rec.SampleName][rec.IndexSequence] = true
	}
	for sample, set := range indexes {
		if len(set) != 1 {
			return fmt.Errorf("%w: %s has %d index sequences", ErrIndexCardinality, sample, len(set))
		}
	}
	return nil
}
