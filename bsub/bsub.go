// Package bsub builds and submits LSF batch jobs that run inside
// docker containers. Every job leaves an audit trail in its log
// directory: the rendered job config as YAML, the payload command
// script, and the submission script actually handed to the shell.
package bsub

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Job describes one LSF submission. Zero values for the required
// fields (DockerImage, Group, Queue, Commands) fail validation at
// render time.
type Job struct {
	DockerImage               string   `yaml:"docker_image"`
	DockerVolumes             []string `yaml:"docker_volumes,omitempty"`
	DockerPreserveEnvironment bool     `yaml:"docker_preserve_environment"`
	MemoryMax                 string   `yaml:"memory_max"`
	Group                     string   `yaml:"group"`
	Queue                     string   `yaml:"queue"`
	ErrorLog                  string   `yaml:"error_log"`
	OutputLog                 string   `yaml:"output_log"`
	ConfigName                string   `yaml:"config_name"`
	BsubCommandName           string   `yaml:"bsub_command_name"`
	CommandName               string   `yaml:"command_name"`
	LogDir                    string   `yaml:"log_dir"`
	JobName                   string   `yaml:"job_name,omitempty"`
	KillTime                  int      `yaml:"kill_time,omitempty"` // minutes
	NumberOfTasks             int      `yaml:"number_of_tasks"`
	Email                     string   `yaml:"email,omitempty"`
	ResourceMemory            string   `yaml:"resource_memory"`
	ResourceTmp               string   `yaml:"resource_tmp"`
	ResourceUsageMemory       string   `yaml:"resource_usage_memory"`
	ResourceUsageTmp          string   `yaml:"resource_usage_tmp"`
	ResourceSpanHosts         int      `yaml:"resource_span_hosts"`
	WorkDir                   string   `yaml:"work_dir,omitempty"`
	Commands                  []string `yaml:"commands"`
}

// New returns a job with the conventional defaults filled in.
func New() *Job {
	return &Job{
		MemoryMax:           "8G",
		ErrorLog:            "bsub.err",
		OutputLog:           "bsub.out",
		ConfigName:          "config.yaml",
		BsubCommandName:     "bsub_cmd.sh",
		CommandName:         "cmd.sh",
		LogDir:              "__bsub",
		NumberOfTasks:       1,
		ResourceMemory:      "8G",
		ResourceTmp:         "1G",
		ResourceUsageMemory: "8G",
		ResourceUsageTmp:    "1G",
		ResourceSpanHosts:   1,
	}
}

func (j *Job) validate() error {
	switch {
	case j.DockerImage == "":
		return errors.New("bsub: docker image is required")
	case j.Group == "":
		return errors.New("bsub: compute group is required")
	case j.Queue == "":
		return errors.New("bsub: queue is required")
	case len(j.Commands) == 0:
		return errors.New("bsub: no commands to run")
	}
	return nil
}

// dockerSpec renders the -a application profile for the docker
// wrapper.
func (j *Job) dockerSpec() string {
	return fmt.Sprintf("docker(%s)", j.DockerImage)
}

// resourceSpec renders the -R resource requirement string.
func (j *Job) resourceSpec() string {
	return fmt.Sprintf("select[mem>%s && tmp>%s] span[hosts=%d] rusage[mem=%s, tmp=%s]",
		j.ResourceMemory, j.ResourceTmp, j.ResourceSpanHosts,
		j.ResourceUsageMemory, j.ResourceUsageTmp)
}

// BsubCommand renders the full bsub invocation, with the payload
// script as its trailing argument.
func (j *Job) BsubCommand() (string, error) {
	if err := j.validate(); err != nil {
		return "", err
	}
	args := []string{
		"bsub",
		"-G", j.Group,
		"-q", j.Queue,
		"-M", j.MemoryMax,
		"-n", fmt.Sprintf("%d", j.NumberOfTasks),
		"-R", fmt.Sprintf("'%s'", j.resourceSpec()),
		"-a", fmt.Sprintf("'%s'", j.dockerSpec()),
		"-oo", filepath.Join(j.LogDir, j.OutputLog),
		"-eo", filepath.Join(j.LogDir, j.ErrorLog),
	}
	if j.JobName != "" {
		args = append(args, "-J", j.JobName)
	}
	if j.KillTime > 0 {
		args = append(args, "-W", fmt.Sprintf("%d", j.KillTime))
	}
	if j.Email != "" {
		args = append(args, "-u", j.Email, "-N")
	}
	args = append(args, "sh", filepath.Join(j.LogDir, j.CommandName))
	return strings.Join(args, " "), nil
}

// environment lines prepended to every submission script. LSF docker
// jobs need the volume and env-preservation knobs passed through the
// LSF_DOCKER_* environment.
func (j *Job) dockerEnv() []string {
	var lines []string
	if len(j.DockerVolumes) > 0 {
		lines = append(lines,
			fmt.Sprintf("export LSF_DOCKER_VOLUMES='%s'", strings.Join(j.DockerVolumes, " ")))
	}
	if j.DockerPreserveEnvironment {
		lines = append(lines, "export LSF_DOCKER_PRESERVE_ENVIRONMENT=true")
	}
	return lines
}

// Execute writes the job's audit files into LogDir and, unless dry is
// set, submits the job by running the submission script. The audit
// files are written in both modes so a dry run shows exactly what a
// real run would do.
func (j *Job) Execute(ctx context.Context, dry bool) error {
	bsubCmd, err := j.BsubCommand()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(j.LogDir, 0777); err != nil {
		return errors.Wrap(err, "bsub: creating log dir")
	}

	cfg, err := yaml.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "bsub: marshaling config")
	}
	if err := os.WriteFile(filepath.Join(j.LogDir, j.ConfigName), cfg, 0666); err != nil {
		return errors.Wrap(err, "bsub: writing config")
	}

	payload := "#!/bin/sh\nset -eu\n"
	if j.WorkDir != "" {
		payload += fmt.Sprintf("cd %s\n", j.WorkDir)
	}
	payload += strings.Join(j.Commands, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(j.LogDir, j.CommandName), []byte(payload), 0777); err != nil {
		return errors.Wrap(err, "bsub: writing command script")
	}

	submit := "#!/bin/sh\nset -eu\n"
	for _, line := range j.dockerEnv() {
		submit += line + "\n"
	}
	submit += bsubCmd + "\n"
	submitPath := filepath.Join(j.LogDir, j.BsubCommandName)
	if err := os.WriteFile(submitPath, []byte(submit), 0777); err != nil {
		return errors.Wrap(err, "bsub: writing submission script")
	}

	if dry {
		log.Printf("bsub: dry run, not submitting %s", submitPath)
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", submitPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "bsub: submitting %s: %s", submitPath, strings.TrimSpace(string(out)))
	}
	log.Printf("bsub: %s", strings.TrimSpace(string(out)))
	return nil
}
