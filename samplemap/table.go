package samplemap

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/tsv"
	"mergefastq/rename"
)

// Table is the canonical read-record table built from one or more
// samplemap batches.
type Table struct {
	Records []ReadRecord
}

// Samples returns the sorted set of original sample ids in the table.
func (t *Table) Samples() []string {
	seen := map[string]bool{}
	var ids []string
	for _, rec := range t.Records {
		if !seen[rec.SampleName] {
			seen[rec.SampleName] = true
			ids = append(ids, rec.SampleName)
		}
	}
	sort.Strings(ids)
	return ids
}

// RevisedSamples returns the sorted set of revised sample ids.
// ApplyRename must have run first.
func (t *Table) RevisedSamples() []string {
	seen := map[string]bool{}
	var ids []string
	for _, rec := range t.Records {
		if !seen[rec.RevisedName] {
			seen[rec.RevisedName] = true
			ids = append(ids, rec.RevisedName)
		}
	}
	sort.Strings(ids)
	return ids
}

// ApplyRename annotates every record with its revised sample id. The
// rename map and the table must cover exactly the same sample id set,
// and every mapped value must be non-empty. The merged FASTQ file
// names downstream are taken from the revised ids, so a mistake here
// mislabels samples; hence the set check is strict equality, not
// subset.
func (t *Table) ApplyRename(m *rename.Map) error {
	tableIDs := t.Samples()
	mapIDs := m.Originals()
	if len(tableIDs) != len(mapIDs) {
		return fmt.Errorf("%w: %d samplemap ids, %d rename ids",
			ErrSampleSetMismatch, len(tableIDs), len(mapIDs))
	}
	for i := range tableIDs {
		if tableIDs[i] != mapIDs[i] {
			return fmt.Errorf("%w: %q vs %q", ErrSampleSetMismatch, tableIDs[i], mapIDs[i])
		}
	}
	revised := make([]string, len(t.Records))
	for i, rec := range t.Records {
		r, ok := m.Revised(rec.SampleName)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnmappedSample, rec.SampleName)
		}
		if r == "" {
			return fmt.Errorf("%w: %s", ErrNullRevisedID, rec.SampleName)
		}
		revised[i] = r
	}
	if len(revised) != len(t.Records) {
		log.Panicf("samplemap: revised column length %d != table length %d", len(revised), len(t.Records))
	}
	for i := range t.Records {
		t.Records[i].RevisedName = revised[i]
	}
	return nil
}

// tableRow is the tab-delimited representation of a ReadRecord. Column
// names follow the merged_samplemap.tsv layout consumed by the count
// evaluation tooling.
type tableRow struct {
	Fastq          string `tsv:"fastq"`
	FlowCellID     string `tsv:"flow_cell_id"`
	IndexSequence  string `tsv:"index_sequence"`
	LaneNumber     int64  `tsv:"lane_number"`
	ReadNumber     int64  `tsv:"read_number"`
	SampleName     string `tsv:"sample_name"`
	RevisedName    string `tsv:"revised_sample_name"`
	LibraryType    string `tsv:"library_type"`
	TotalBases     int64  `tsv:"total_bases"`
	SamplemapPath  string `tsv:"samplemap_path"`
	ProviderReads  int64  `tsv:"gtac_fastq_reads"`
	ESPID          string `tsv:"esp_id"`
	PoolName       string `tsv:"pool_name"`
	BatchID        int64  `tsv:"batch_id"`
	FastqPath      string `tsv:"fastq_path"`
	EndPairReads   int64  `tsv:"gtac_end_pair_reads"`
	SampleReads    int64  `tsv:"gtac_sample_reads"`
	MergedPath     string `tsv:"merged_fastq_path"`
	MergedCommands string `tsv:"merged_commands"`
}

func (r *ReadRecord) row() tableRow {
	return tableRow{
		Fastq:          r.Fastq,
		FlowCellID:     r.FlowCellID,
		IndexSequence:  r.IndexSequence,
		LaneNumber:     int64(r.LaneNumber),
		ReadNumber:     r.ReadEnd.Number(),
		SampleName:     r.SampleName,
		RevisedName:    r.RevisedName,
		LibraryType:    r.LibraryType,
		TotalBases:     r.TotalBases,
		SamplemapPath:  r.SamplemapPath,
		ProviderReads:  r.ProviderReads,
		ESPID:          r.ESPID,
		PoolName:       r.PoolName,
		BatchID:        int64(r.BatchID),
		FastqPath:      r.FastqPath,
		EndPairReads:   r.EndPairReads,
		SampleReads:    r.SampleReads,
		MergedPath:     r.MergedPath,
		MergedCommands: r.MergedCommands,
	}
}

func recordFromRow(row tableRow) (ReadRecord, error) {
	end, err := ReadEndFromNumber(row.ReadNumber)
	if err != nil {
		return ReadRecord{}, err
	}
	return ReadRecord{
		Fastq:          row.Fastq,
		FlowCellID:     row.FlowCellID,
		IndexSequence:  row.IndexSequence,
		LaneNumber:     int(row.LaneNumber),
		ReadEnd:        end,
		SampleName:     row.SampleName,
		RevisedName:    row.RevisedName,
		LibraryType:    row.LibraryType,
		TotalBases:     row.TotalBases,
		ProviderReads:  row.ProviderReads,
		ESPID:          row.ESPID,
		PoolName:       row.PoolName,
		SamplemapPath:  row.SamplemapPath,
		FastqPath:      row.FastqPath,
		BatchID:        int(row.BatchID),
		EndPairReads:   row.EndPairReads,
		SampleReads:    row.SampleReads,
		MergedPath:     row.MergedPath,
		MergedCommands: row.MergedCommands,
	}, nil
}

// WriteTSV writes the table to a tab-delimited file and an MD5 side
// file next to it.
func (t *Table) WriteTSV(ctx context.Context, path string) error {
	var buf bytes.Buffer
	w := tsv.NewRowWriter(&buf)
	for i := range t.Records {
		row := t.Records[i].row()
		if err := w.Write(&row); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return WriteFileWithMD5(ctx, path, buf.Bytes())
}

// ReadTSV loads a table previously written by WriteTSV.
func ReadTSV(ctx context.Context, path string) (*Table, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	t := &Table{}
	for {
		var row tableRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rec, err := recordFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

// WriteFileWithMD5 writes data to path and an accompanying
// "<path>.MD5" side file in the conventional "MD5 (path) = hex" form.
func WriteFileWithMD5(ctx context.Context, path string, data []byte) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := out.Writer(ctx).Write(data); err != nil {
		out.Close(ctx) // nolint: errcheck
		return err
	}
	if err := out.Close(ctx); err != nil {
		return err
	}
	sum := md5.Sum(data)
	side, err := file.Create(ctx, path+".MD5")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(side.Writer(ctx), "MD5 (%s) = %x\n", path, sum); err != nil {
		side.Close(ctx) // nolint: errcheck
		return err
	}
	return side.Close(ctx)
}

const (
	snapshotVersionHeader = "mergefastqversion"
	snapshotVersion       = "MERGEFASTQ_V1"
)

// WriteSnapshot dumps the table to a recordio file for fast reload.
// One gob-encoded ReadRecord per recordio record, zstd-transformed.
func (t *Table) WriteSnapshot(ctx context.Context, path string) error {
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(snapshotVersionHeader, snapshotVersion)
	for i := range t.Records {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(t.Records[i]); err != nil {
			out.Close(ctx) // nolint: errcheck
			return err
		}
		w.Append(buf.Bytes())
	}
	if err := w.Finish(); err != nil {
		out.Close(ctx) // nolint: errcheck
		return err
	}
	return out.Close(ctx)
}

// ReadSnapshot loads a table written by WriteSnapshot.
func ReadSnapshot(ctx context.Context, path string) (*Table, error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	sc := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range sc.Header() {
		if kv.Key == snapshotVersionHeader {
			if kv.Value.(string) != snapshotVersion {
				return nil, fmt.Errorf("%s: snapshot version mismatch, got %v, want %v",
					path, kv.Value, snapshotVersion)
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		return nil, fmt.Errorf("%s: %s header not found", path, snapshotVersionHeader)
	}
	t := &Table{}
	for sc.Scan() {
		var rec ReadRecord
		if err := gob.NewDecoder(bytes.NewReader(sc.Get().([]byte))).Decode(&rec); err != nil {
			return nil, err
		}
		t.Records = append(t.Records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
