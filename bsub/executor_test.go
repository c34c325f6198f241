package bsub

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mergefastq/merge"
	"mergefastq/samplemap"
	"v.io/x/lib/gosh"
	"v.io/x/lib/lookpath"
)

func passthroughPlan(compressed bool) merge.Plan {
	src := "/in/a_R1.fastq.gz"
	if !compressed {
		src = "/in/a_R1.fastq"
	}
	steps := []merge.Step{merge.StepCopy}
	if !compressed {
		steps = append(steps, merge.StepCompress)
	}
	steps = append(steps, merge.StepChecksum, merge.StepRecount)
	return merge.Plan{
		SampleIndex:  1,
		Type:         merge.Passthrough,
		OriginalName: "sampleA",
		RevisedName:  "356-017",
		End:          samplemap.R1,
		Sources:      []merge.Source{{Path: src, Compressed: compressed, FlowCellID: "FC1", Lane: 1}},
		Dest:         "/out/sampleA/356-017.R1.fastq.gz",
		Steps:        steps,
	}
}

func consolidatePlan() merge.Plan {
	return merge.Plan{
		SampleIndex:  2,
		Type:         merge.Consolidate,
		OriginalName: "sampleB",
		RevisedName:  "356-022",
		End:          samplemap.R1,
		Sources: []merge.Source{
			{Path: "/in/b_fc1_R1.fastq", Compressed: false, FlowCellID: "FC1", Lane: 1},
			{Path: "/in/b_fc2_R1.fastq.gz", Compressed: true, FlowCellID: "FC2", Lane: 2},
		},
		Dest: "/out/sampleB/356-022.R1.fastq.gz",
		Steps: []merge.Step{
			merge.StepCopy, merge.StepCompress, merge.StepConcatenate,
			merge.StepChecksum, merge.StepRecount, merge.StepCleanup,
		},
	}
}

func TestRenderCommandsPassthrough(t *testing.T) {
	assert.Equal(t, []string{
		"mkdir -p '/out/sampleA'",
		"cp '/in/a_R1.fastq.gz' '/out/sampleA/356-017.R1.fastq.gz'",
		"md5sum --tag '/out/sampleA/356-017.R1.fastq.gz' > '/out/sampleA/356-017.R1.fastq.gz.MD5'",
		"fastq-count '/out/sampleA/356-017.R1.fastq.gz'",
	}, RenderCommands(passthroughPlan(true)))
}

func TestRenderCommandsPassthroughPlaintext(t *testing.T) {
	assert.Equal(t, []string{
		"mkdir -p '/out/sampleA'",
		"cp '/in/a_R1.fastq' '/out/sampleA/356-017.R1.fastq'",
		"gzip '/out/sampleA/356-017.R1.fastq'",
		"md5sum --tag '/out/sampleA/356-017.R1.fastq.gz' > '/out/sampleA/356-017.R1.fastq.gz.MD5'",
		"fastq-count '/out/sampleA/356-017.R1.fastq.gz'",
	}, RenderCommands(passthroughPlan(false)))
}

func TestRenderCommandsConsolidate(t *testing.T) {
	assert.Equal(t, []string{
		"mkdir -p '/out/sampleB'",
		"cp '/in/b_fc1_R1.fastq' '/out/sampleB/356-022.R1.part0.fastq'",
		"gzip '/out/sampleB/356-022.R1.part0.fastq'",
		"cat '/out/sampleB/356-022.R1.part0.fastq.gz' '/in/b_fc2_R1.fastq.gz' > '/out/sampleB/356-022.R1.fastq.gz'",
		"md5sum --tag '/out/sampleB/356-022.R1.fastq.gz' > '/out/sampleB/356-022.R1.fastq.gz.MD5'",
		"fastq-count '/out/sampleB/356-022.R1.fastq.gz'",
		"rm -f '/out/sampleB/356-022.R1.part0.fastq.gz'",
	}, RenderCommands(consolidatePlan()))
}

func TestRenderCommandsQuoting(t *testing.T) {
	p := passthroughPlan(true)
	p.Sources[0].Path = "/in/run 1/a;rm -rf $HOME'_R1.fastq.gz"
	p.Dest = "/out/sample A/356-017.R1.fastq.gz"
	assert.Equal(t, []string{
		"mkdir -p '/out/sample A'",
		`cp '/in/run 1/a;rm -rf $HOME'\''_R1.fastq.gz' '/out/sample A/356-017.R1.fastq.gz'`,
		"md5sum --tag '/out/sample A/356-017.R1.fastq.gz' > '/out/sample A/356-017.R1.fastq.gz.MD5'",
		"fastq-count '/out/sample A/356-017.R1.fastq.gz'",
	}, RenderCommands(p))
}

func TestCommandLine(t *testing.T) {
	line := CommandLine(passthroughPlan(true))
	assert.Equal(t, strings.Join(RenderCommands(passthroughPlan(true)), "; "), line)
	assert.NotContains(t, line, "\n")
}

func TestExecutorDry(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	e := &Executor{
		Outdir: tempDir,
		Image:  "ubuntu:22.04",
		Group:  "compute-lab",
		Queue:  "general",
		Dry:    true,
	}
	plans := []merge.Plan{passthroughPlan(true), consolidatePlan()}
	countFiles, err := e.Run(ctx, plans)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/out/sampleA/356-017.R1.fastq.gz.counts",
		"/out/sampleB/356-022.R1.fastq.gz.counts",
	}, countFiles)

	logDir := filepath.Join(tempDir, "__bsub")
	for _, name := range []string{
		"1_356-017.R1.config.yaml", "1_356-017.R1.cmd.sh", "1_356-017.R1.bsub_cmd.sh",
		"2_356-022.R1.config.yaml", "2_356-022.R1.cmd.sh", "2_356-022.R1.bsub_cmd.sh",
	} {
		_, err := os.Stat(filepath.Join(logDir, name))
		require.NoError(t, err, name)
	}
}

// TestMergeCommandsEndToEnd runs a rendered consolidate payload through
// a real shell and checks the merged artifact and its side files. The
// output directory carries a space, so the run also depends on the
// rendered quoting.
func TestMergeCommandsEndToEnd(t *testing.T) {
	sh := gosh.NewShell(t)
	defer sh.Cleanup()
	for _, tool := range []string{"sh", "gzip", "md5sum", "go"} {
		if _, err := lookpath.Look(sh.Vars, tool); err != nil {
			t.Skipf("%s not found on the machine. Skipping the test", tool)
		}
	}
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	binDir := sh.MakeTempDir()
	gosh.BuildGoPkg(sh, binDir, "mergefastq/cmd/fastq-count")
	require.NoError(t, sh.Err)
	sh.Vars["PATH"] = binDir + string(os.PathListSeparator) + sh.Vars["PATH"]

	fq1 := "@r1\nACGT\n+\nFFFF\n"
	fq2 := "@r2\nTTTT\n+\nFFFF\n"
	src1 := filepath.Join(tempDir, "in", "b_fc1_R1.fastq")
	src2 := filepath.Join(tempDir, "in", "b_fc2_R1.fastq.gz")
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "in"), 0777))
	require.NoError(t, os.WriteFile(src1, []byte(fq1), 0666))
	f, err := os.Create(src2)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(fq2))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(tempDir, "out dir", "sampleB", "356-022.R1.fastq.gz")
	plan := consolidatePlan()
	plan.Sources[0].Path = src1
	plan.Sources[1].Path = src2
	plan.Dest = dest

	script := filepath.Join(tempDir, "cmd.sh")
	payload := "#!/bin/sh\nset -eu\n" + strings.Join(RenderCommands(plan), "\n") + "\n"
	require.NoError(t, os.WriteFile(script, []byte(payload), 0777))
	sh.Cmd("sh", script).Run()
	require.NoError(t, sh.Err)

	zf, err := os.Open(dest)
	require.NoError(t, err)
	defer zf.Close() // nolint: errcheck
	zr, err := gzip.NewReader(zf)
	require.NoError(t, err)
	var out strings.Builder
	_, err = io.Copy(&out, zr)
	require.NoError(t, err)
	assert.Equal(t, fq1+fq2, out.String())

	counts, err := os.ReadFile(dest + ".counts")
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(string(counts)))

	md5, err := os.ReadFile(dest + ".MD5")
	require.NoError(t, err)
	assert.Regexp(t, `^MD5 \(.*356-022\.R1\.fastq\.gz\) = [0-9a-f]{32}\n$`, string(md5))

	_, err = os.Stat(filepath.Join(tempDir, "out dir", "sampleB", "356-022.R1.part0.fastq.gz"))
	assert.True(t, os.IsNotExist(err))
}
