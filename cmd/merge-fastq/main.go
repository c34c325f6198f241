package main

// merge-fastq consolidates per-lane FASTQ files into one R1/R2 pair
// per sample, renaming samples along the way and recording provider
// read counts for later reconciliation.
//
// Example:
//
//    merge-fastq --rename=rename.tsv \
//        --samplemap=batch1/Samplemap.csv --samplemap=batch2/Samplemap.csv \
//        --outdir=/scratch/merged \
//        --lsf-image=ubuntu:22.04 --lsf-group=compute-lab --lsf-queue=general

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"mergefastq/bsub"
	"mergefastq/counts"
	"mergefastq/merge"
	"mergefastq/rename"
	"mergefastq/samplemap"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type mergeFlags struct {
	renamePath string
	samplemaps stringList
	outdir     string
	lsfImage   string
	lsfGroup   string
	lsfQueue   string
	lsfVolumes string
	lsfDry     bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: merge-fastq --rename=FILE --samplemap=FILE [--samplemap=FILE ...] --outdir=DIR [flags]

Consolidates per-lane FASTQ files into one gzipped R1/R2 pair per
sample via LSF jobs, and writes the merged samplemap table and the
provider read-count grading used by eval-fastq-counts.

`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flags := mergeFlags{}
	flag.StringVar(&flags.renamePath, "rename", "", "Tab-delimited sample rename file (samplemap_sample_id, revised_sample_id, comments).")
	flag.Var(&flags.samplemaps, "samplemap", "Provider Samplemap.csv path. Repeat for multiple batches; batch ids follow flag order.")
	flag.StringVar(&flags.outdir, "outdir", "", "Output directory for merged FASTQs and tables.")
	flag.StringVar(&flags.lsfImage, "lsf-image", "", "Docker image the LSF jobs run in.")
	flag.StringVar(&flags.lsfGroup, "lsf-group", "", "LSF compute group.")
	flag.StringVar(&flags.lsfQueue, "lsf-queue", "", "LSF queue.")
	flag.StringVar(&flags.lsfVolumes, "lsf-volumes", "", "Comma-separated docker volume mappings for the LSF jobs.")
	flag.BoolVar(&flags.lsfDry, "lsf-dry", false, "Write job scripts but do not submit them.")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if flags.renamePath == "" || len(flags.samplemaps) == 0 || flags.outdir == "" {
		flag.Usage()
		log.Fatal("--rename, --samplemap, and --outdir are required")
	}
	if err := os.MkdirAll(flags.outdir, 0777); err != nil {
		log.Fatalf("creating %s: %v", flags.outdir, err)
	}

	renames, err := rename.Load(ctx, flags.renamePath)
	if err != nil {
		log.Fatal(err)
	}
	if err := renames.CopyTo(ctx, flags.outdir); err != nil {
		log.Fatal(err)
	}
	table, err := samplemap.Parse(ctx, flags.samplemaps)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("parsed %d read records from %d samplemaps", len(table.Records), len(flags.samplemaps))
	if err := table.ApplyRename(renames); err != nil {
		log.Fatal(err)
	}
	if err := counts.AddProviderCounts(table); err != nil {
		log.Fatal(err)
	}

	groups := merge.GroupSamples(table)
	nPass := 0
	for _, g := range groups {
		if g.Type == merge.Passthrough {
			nPass++
		}
	}
	log.Printf("%d samples: %d passthrough, %d consolidate", len(groups), nPass, len(groups)-nPass)
	plans, err := merge.BuildPlans(groups, flags.outdir, merge.GzipProber{})
	if err != nil {
		log.Fatal(err)
	}
	plans.Annotate(table, bsub.CommandLine)

	if err := table.WriteTSV(ctx, filepath.Join(flags.outdir, "merged_samplemap.tsv")); err != nil {
		log.Fatal(err)
	}
	if err := table.WriteSnapshot(ctx, filepath.Join(flags.outdir, "merged_samplemap.rio")); err != nil {
		log.Fatal(err)
	}

	grading, err := counts.GradeProvider(table)
	if err != nil {
		log.Fatal(err)
	}
	if err := grading.WriteTSV(ctx, filepath.Join(flags.outdir, "gtac_read_counts.tsv")); err != nil {
		log.Fatal(err)
	}

	exec := &bsub.Executor{
		Outdir: flags.outdir,
		Image:  flags.lsfImage,
		Group:  flags.lsfGroup,
		Queue:  flags.lsfQueue,
		Dry:    flags.lsfDry,
	}
	if flags.lsfVolumes != "" {
		exec.Volumes = strings.Split(flags.lsfVolumes, ",")
	}
	countFiles, err := exec.Run(ctx, plans.Plans)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("submitted %d merge jobs; recounts will land in %d .counts files", len(plans.Plans), len(countFiles))
	log.Printf("All done")
}
