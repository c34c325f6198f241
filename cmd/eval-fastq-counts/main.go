package main

// eval-fastq-counts cross-validates read counts after a merge-fastq
// run has finished. It reconciles three independent sources: the
// provider grading table written at merge time, counts re-derived from
// the merged samplemap, and recounts of the merged FASTQ files.
//
// Example:
//
//    eval-fastq-counts --merged-samplemap=/scratch/merged/merged_samplemap.tsv \
//        --gtac-counts=/scratch/merged/gtac_read_counts.tsv \
//        --outdir=/scratch/merged

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"mergefastq/counts"
	"mergefastq/samplemap"
)

type evalFlags struct {
	mergedSamplemap string
	gtacCounts      string
	outdir          string
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: eval-fastq-counts --merged-samplemap=FILE --gtac-counts=FILE --outdir=DIR

Reconciles provider read counts, table-derived counts, and merged
FASTQ recounts, then writes per-source gradings and a comparison
table. The merged samplemap may be the .tsv or the .rio snapshot.

`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flags := evalFlags{}
	flag.StringVar(&flags.mergedSamplemap, "merged-samplemap", "", "merged_samplemap table written by merge-fastq (.tsv or .rio).")
	flag.StringVar(&flags.gtacCounts, "gtac-counts", "", "Provider read-count grading table written by merge-fastq.")
	flag.StringVar(&flags.outdir, "outdir", "", "Output directory for the reconciliation tables.")

	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if flags.mergedSamplemap == "" || flags.gtacCounts == "" || flags.outdir == "" {
		flag.Usage()
		log.Fatal("--merged-samplemap, --gtac-counts, and --outdir are required")
	}
	if err := os.MkdirAll(flags.outdir, 0777); err != nil {
		log.Fatalf("creating %s: %v", flags.outdir, err)
	}

	var (
		table *samplemap.Table
		err   error
	)
	if strings.HasSuffix(flags.mergedSamplemap, ".rio") {
		table, err = samplemap.ReadSnapshot(ctx, flags.mergedSamplemap)
	} else {
		table, err = samplemap.ReadTSV(ctx, flags.mergedSamplemap)
	}
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("loaded %d read records from %s", len(table.Records), flags.mergedSamplemap)

	rec := counts.NewReconciler(table)
	if err := rec.LoadProviderGrades(ctx, flags.gtacCounts); err != nil {
		log.Fatal(err)
	}
	if err := rec.DeriveTableCounts(); err != nil {
		log.Fatal(err)
	}
	if err := rec.LoadRecounts(ctx); err != nil {
		log.Fatal(err)
	}
	if err := rec.CrossValidate(); err != nil {
		log.Fatal(err)
	}

	_, derived, recount := rec.SourceGrades()
	if err := recount.WriteTSV(ctx, filepath.Join(flags.outdir, "src_read_counts.tsv")); err != nil {
		log.Fatal(err)
	}
	if err := derived.WriteTSV(ctx, filepath.Join(flags.outdir, "table_read_counts.tsv")); err != nil {
		log.Fatal(err)
	}
	if err := rec.WriteComparison(ctx, filepath.Join(flags.outdir, "count_comparison.tsv")); err != nil {
		log.Fatal(err)
	}
	if err := rec.Report(os.Stdout); err != nil {
		log.Fatal(err)
	}
	log.Printf("All done")
}
