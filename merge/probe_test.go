package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeFastq = "@r1\nACGT\n+\nFFFF\n"

func writeGz(t *testing.T, path, content string) {
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestResolveCompressed(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	gz := filepath.Join(tempDir, "a_R1.fastq.gz")
	writeGz(t, gz, probeFastq)

	// Both the .gz and the bare reference resolve to the .gz file.
	for _, ref := range []string{gz, filepath.Join(tempDir, "a_R1.fastq")} {
		path, compressed, err := GzipProber{}.Resolve(ref)
		require.NoError(t, err)
		assert.Equal(t, gz, path)
		assert.True(t, compressed)
	}
}

func TestResolvePlaintext(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	plain := filepath.Join(tempDir, "a_R1.fastq")
	require.NoError(t, os.WriteFile(plain, []byte(probeFastq), 0666))

	path, compressed, err := GzipProber{}.Resolve(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, path)
	assert.False(t, compressed)
}

func TestResolveMisnamedPlaintext(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	// A .gz-named file holding plaintext must be detected as such.
	gz := filepath.Join(tempDir, "a_R1.fastq.gz")
	require.NoError(t, os.WriteFile(gz, []byte(probeFastq), 0666))

	path, compressed, err := GzipProber{}.Resolve(gz)
	require.NoError(t, err)
	assert.Equal(t, gz, path)
	assert.False(t, compressed)
}

func TestResolvePrefersCompressed(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	plain := filepath.Join(tempDir, "a_R1.fastq")
	require.NoError(t, os.WriteFile(plain, []byte(probeFastq), 0666))
	writeGz(t, plain+".gz", probeFastq)

	path, compressed, err := GzipProber{}.Resolve(plain)
	require.NoError(t, err)
	assert.Equal(t, plain+".gz", path)
	assert.True(t, compressed)
}

func TestResolveMissing(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	_, _, err := GzipProber{}.Resolve(filepath.Join(tempDir, "nope_R1.fastq"))
	require.ErrorIs(t, err, ErrSourceMissing)
}
