// Package rename loads and validates the sample rename file that maps
// provider sample ids to revised sample ids. The mapping must be a
// bijection: downstream merged FASTQ files are named after the revised
// id, and a collision in either direction would silently collapse two
// samples into one artifact.
package rename

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

var (
	// ErrColumns is returned when the rename file header is not exactly
	// samplemap_sample_id, revised_sample_id, comments.
	ErrColumns = errors.New("rename: incorrect column names")
	// ErrEmptyMapping is returned when the rename file has no data rows.
	ErrEmptyMapping = errors.New("rename: file contains no values")
	// ErrNonUniqueOriginalID is returned when samplemap_sample_id values repeat.
	ErrNonUniqueOriginalID = errors.New("rename: samplemap_sample_id values are not unique")
	// ErrNonUniqueRevisedID is returned when revised_sample_id values repeat.
	ErrNonUniqueRevisedID = errors.New("rename: revised_sample_id values are not unique")
	// ErrNonBijective is returned when grouping by either column yields
	// more than one row per key.
	ErrNonBijective = errors.New("rename: mapping is not one-to-one")
)

// columns is the exact, ordered header required in a rename file.
var columns = []string{"samplemap_sample_id", "revised_sample_id", "comments"}

// Entry is one row of the rename file.
type Entry struct {
	Original string `tsv:"samplemap_sample_id"`
	Revised  string `tsv:"revised_sample_id"`
	Comment  string `tsv:"comments"`
}

// Map is an immutable bijection from original sample ids to revised
// sample ids. Construct with Load.
type Map struct {
	path      string
	entries   []Entry
	byOrig    map[string]string
	byRevised map[string]string
}

// Load reads and validates a tab-delimited rename file.
func Load(ctx context.Context, path string) (*Map, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	m, err := parse(in.Reader(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return m, nil
}

func parse(in io.Reader) (*Map, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(string(data), "\n", 2)
	header := strings.Split(strings.TrimRight(lines[0], "\r"), "\t")
	if len(header) != len(columns) {
		return nil, fmt.Errorf("%w: %v", ErrColumns, header)
	}
	for i, col := range columns {
		if header[i] != col {
			return nil, fmt.Errorf("%w: %v", ErrColumns, header)
		}
	}

	r := tsv.NewReader(strings.NewReader(string(data)))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	var entries []Entry
	for {
		var e Entry
		if err := r.Read(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyMapping
	}

	m := &Map{
		entries:   entries,
		byOrig:    make(map[string]string, len(entries)),
		byRevised: make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if _, ok := m.byOrig[e.Original]; ok {
			return nil, fmt.Errorf("%w: %s", ErrNonUniqueOriginalID, e.Original)
		}
		if _, ok := m.byRevised[e.Revised]; ok {
			return nil, fmt.Errorf("%w: %s", ErrNonUniqueRevisedID, e.Revised)
		}
		m.byOrig[e.Original] = e.Revised
		m.byRevised[e.Revised] = e.Original
	}
	// Re-derive the grouping sizes from the entries rather than trusting
	// the uniqueness pass above. Uniqueness alone does not guarantee a
	// 1:1 mapping for some malformed inputs.
	origGroups := map[string]int{}
	revisedGroups := map[string]int{}
	for _, e := range m.entries {
		origGroups[e.Original]++
		revisedGroups[e.Revised]++
	}
	for id, n := range origGroups {
		if n != 1 {
			return nil, fmt.Errorf("%w: samplemap_sample_id %s has %d rows", ErrNonBijective, id, n)
		}
	}
	for id, n := range revisedGroups {
		if n != 1 {
			return nil, fmt.Errorf("%w: revised_sample_id %s has %d rows", ErrNonBijective, id, n)
		}
	}
	return m, nil
}

// Revised returns the revised sample id for the given original id.
func (m *Map) Revised(original string) (string, bool) {
	revised, ok := m.byOrig[original]
	return revised, ok
}

// Originals returns the sorted set of original sample ids in the map.
func (m *Map) Originals() []string {
	ids := make([]string, 0, len(m.byOrig))
	for id := range m.byOrig {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Entries returns a copy of the rename rows in file order.
func (m *Map) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of mapping entries.
func (m *Map) Len() int { return len(m.entries) }

// CopyTo writes a verbatim copy of the backing rename file into outdir
// for archival alongside the merge outputs.
func (m *Map) CopyTo(ctx context.Context, outdir string) error {
	data, err := file.ReadFile(ctx, m.path)
	if err != nil {
		return err
	}
	out, err := file.Create(ctx, filepath.Join(outdir, filepath.Base(m.path)))
	if err != nil {
		return err
	}
	if _, err := out.Writer(ctx).Write(data); err != nil {
		out.Close(ctx) // nolint: errcheck
		return err
	}
	return out.Close(ctx)
}
