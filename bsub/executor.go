package bsub

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"mergefastq/merge"
)

// shellQuote single-quotes s for interpolation into a rendered shell
// command. Sample ids and directories can carry spaces or shell
// metacharacters.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteAll(paths []string) []string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return quoted
}

// RenderCommands renders a plan as the ordered shell commands an LSF
// job runs. Compressed sources are used as-is; plaintext sources are
// copied next to the destination and gzipped first, since gzip members
// concatenate byte-wise but plaintext does not append into a .gz. The
// recount step runs the fastq-count tool against the merged artifact,
// which parses records and writes the .counts side file.
func RenderCommands(p merge.Plan) []string {
	destDir := filepath.Dir(p.Dest)
	cmds := []string{fmt.Sprintf("mkdir -p %s", shellQuote(destDir))}
	var temps []string

	switch p.Type {
	case merge.Passthrough:
		src := p.Sources[0]
		if src.Compressed {
			cmds = append(cmds, fmt.Sprintf("cp %s %s", shellQuote(src.Path), shellQuote(p.Dest)))
		} else {
			plain := strings.TrimSuffix(p.Dest, ".gz")
			cmds = append(cmds,
				fmt.Sprintf("cp %s %s", shellQuote(src.Path), shellQuote(plain)),
				fmt.Sprintf("gzip %s", shellQuote(plain)))
		}
	case merge.Consolidate:
		parts := make([]string, 0, len(p.Sources))
		for i, src := range p.Sources {
			if src.Compressed {
				parts = append(parts, src.Path)
				continue
			}
			tmp := filepath.Join(destDir, fmt.Sprintf("%s.%s.part%d.fastq", p.RevisedName, p.End, i))
			cmds = append(cmds,
				fmt.Sprintf("cp %s %s", shellQuote(src.Path), shellQuote(tmp)),
				fmt.Sprintf("gzip %s", shellQuote(tmp)))
			parts = append(parts, tmp+".gz")
			temps = append(temps, tmp+".gz")
		}
		cmds = append(cmds, fmt.Sprintf("cat %s > %s", strings.Join(shellQuoteAll(parts), " "), shellQuote(p.Dest)))
	default:
		log.Panicf("bsub: plan %s %s has no copy type", p.RevisedName, p.End)
	}

	cmds = append(cmds,
		fmt.Sprintf("md5sum --tag %s > %s", shellQuote(p.Dest), shellQuote(p.Dest+".MD5")),
		fmt.Sprintf("fastq-count %s", shellQuote(p.Dest)))
	if len(temps) > 0 {
		cmds = append(cmds, fmt.Sprintf("rm -f %s", strings.Join(shellQuoteAll(temps), " ")))
	}
	return cmds
}

// CommandLine renders a plan's commands as one audit string for the
// merged_commands table column.
func CommandLine(p merge.Plan) string {
	return strings.Join(RenderCommands(p), "; ")
}

// Executor submits one LSF job per plan. All jobs share a single
// __bsub log directory under Outdir, with per-job file name prefixes.
type Executor struct {
	Outdir  string
	Image   string
	Group   string
	Queue   string
	Volumes []string
	Dry     bool
}

// Run submits every plan's job concurrently and returns the .counts
// side-file paths the jobs will produce, in plan order.
func (e *Executor) Run(ctx context.Context, plans []merge.Plan) ([]string, error) {
	logDir := filepath.Join(e.Outdir, "__bsub")
	err := traverse.Each(len(plans), func(i int) error {
		p := plans[i]
		name := fmt.Sprintf("%d_%s.%s", p.SampleIndex, p.RevisedName, p.End)
		job := New()
		job.DockerImage = e.Image
		job.Group = e.Group
		job.Queue = e.Queue
		job.DockerVolumes = e.Volumes
		job.DockerPreserveEnvironment = true
		job.JobName = name
		job.LogDir = logDir
		job.ConfigName = name + ".config.yaml"
		job.CommandName = name + ".cmd.sh"
		job.BsubCommandName = name + ".bsub_cmd.sh"
		job.OutputLog = name + ".bsub.out"
		job.ErrorLog = name + ".bsub.err"
		job.Commands = RenderCommands(p)
		return job.Execute(ctx, e.Dry)
	})
	if err != nil {
		return nil, err
	}
	counts := make([]string, len(plans))
	for i, p := range plans {
		counts[i] = p.Dest + ".counts"
	}
	return counts, nil
}
