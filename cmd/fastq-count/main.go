package main

// fastq-count writes the ".counts" side file for each FASTQ named on
// the command line. Merge jobs run it against the merged artifact, so
// the recount comes from parsing real records rather than line
// arithmetic, and a malformed merge output fails the job instead of
// producing a bogus count.
//
// Example:
//
//    fastq-count /scratch/merged/sampleA/356-017.R1.fastq.gz

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"mergefastq/fastq"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: fastq-count FILE [FILE ...]

Counts records in each FASTQ file (gzipped or plain) and writes the
count as a single integer to "<FILE>.counts".

`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	cleanup := grail.Init()
	defer cleanup()
	ctx := vcontext.Background()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatal("at least one FASTQ path is required")
	}
	for _, path := range flag.Args() {
		n, err := fastq.CountFile(ctx, path)
		if err != nil {
			log.Fatal(err)
		}
		if err := fastq.WriteCountFile(ctx, path, n); err != nil {
			log.Fatal(err)
		}
		log.Printf("%s: %d records", path, n)
	}
}
