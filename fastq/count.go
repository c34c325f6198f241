// Package fastq counts records in FASTQ files and writes the .counts
// side files consumed by read-count reconciliation.
package fastq

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
)

var (
	// ErrInvalidRecord is returned when a 4-line block does not look
	// like a FASTQ record.
	ErrInvalidRecord = errors.New("fastq: invalid record")
	// ErrTruncated is returned when the file ends inside a record.
	ErrTruncated = errors.New("fastq: truncated record")
)

// CountRecords counts FASTQ records in the (uncompressed) stream. Each
// record must be a 4-line block whose first line starts with '@' and
// whose third starts with '+'.
func CountRecords(in io.Reader) (int64, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	var n int64
	for {
		lines := make([]string, 0, 4)
		for len(lines) < 4 && scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return 0, err
		}
		if len(lines) == 0 {
			return n, nil
		}
		if len(lines) < 4 {
			return 0, fmt.Errorf("%w: record %d has %d lines", ErrTruncated, n+1, len(lines))
		}
		if len(lines[0]) == 0 || lines[0][0] != '@' {
			return 0, fmt.Errorf("%w: record %d: header %q", ErrInvalidRecord, n+1, lines[0])
		}
		if len(lines[2]) == 0 || lines[2][0] != '+' {
			return 0, fmt.Errorf("%w: record %d: separator %q", ErrInvalidRecord, n+1, lines[2])
		}
		n++
	}
}

// CountFile counts the records in a FASTQ file, transparently
// decompressing by path suffix.
func CountFile(ctx context.Context, path string) (int64, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer in.Close(ctx) // nolint: errcheck
	r, _ := compress.NewReaderPath(in.Reader(ctx), path)
	defer r.Close() // nolint: errcheck
	n, err := CountRecords(r)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

// WriteCountFile writes the "<fastqPath>.counts" side file holding the
// record count as a decimal integer and a newline.
func WriteCountFile(ctx context.Context, fastqPath string, n int64) error {
	out, err := file.Create(ctx, fastqPath+".counts")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out.Writer(ctx), "%d\n", n); err != nil {
		out.Close(ctx) // nolint: errcheck
		return err
	}
	return out.Close(ctx)
}
