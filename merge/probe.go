package merge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrSourceMissing is returned when neither the compressed nor the
// decompressed form of a source FASTQ exists on disk.
var ErrSourceMissing = errors.New("merge: original FASTQ file is not found")

// Prober resolves a source FASTQ reference to its actual on-disk form.
// The samplemap may list either foo.fastq or foo.fastq.gz; the file on
// disk may be either, and a .gz-named file may in fact hold plaintext.
type Prober interface {
	// Resolve returns the on-disk path for the referenced file and
	// whether that file is a valid gzip stream.
	Resolve(path string) (resolved string, compressed bool, err error)
}

// GzipProber probes the local file system, sniffing gzip streams by
// reading one byte through a decompression filter.
type GzipProber struct{}

// Resolve implements Prober. The compressed form is preferred when
// both forms exist.
func (GzipProber) Resolve(path string) (string, bool, error) {
	gz := path
	if !strings.HasSuffix(gz, ".gz") {
		gz += ".gz"
	}
	plain := strings.TrimSuffix(gz, ".gz")
	for _, p := range []string{gz, plain} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", false, err
		}
		if info.IsDir() {
			continue
		}
		compressed, err := isGzip(p)
		if err != nil {
			return "", false, err
		}
		return p, compressed, nil
	}
	return "", false, fmt.Errorf("%w: %s", ErrSourceMissing, path)
}

// isGzip reports whether the file decodes as a gzip stream. Decode
// failures mean the file is plaintext; only OS-level errors propagate.
func isGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close() // nolint: errcheck
	zr, err := gzip.NewReader(f)
	if err != nil {
		return false, nil
	}
	defer zr.Close() // nolint: errcheck
	var one [1]byte
	if _, err := zr.Read(one[:]); err != nil && err != io.EOF {
		return false, nil
	}
	return true, nil
}
