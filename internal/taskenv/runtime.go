package taskenv

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/me/tasknode/internal/resources"
	"github.com/me/tasknode/pkg/model"
)

// Runtime executes a task's command, optionally inside a container.
type Runtime interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Image   string            // Container image (empty for bare execution)
	Command []string          // Command and arguments
	WorkDir string            // Working directory on the host
	CPUs    []int             // CPUs reserved for the task
	Env     map[string]string // Environment variables
}

// RunResult captures the output of an execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// SpecFor builds the RunSpec of a task from its configuration and the CPUs
// it was given.
func SpecFor(cfg model.TaskConfiguration, alloc *resources.Allocation, workDir string) RunSpec {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	var cpus []int
	if alloc != nil {
		cpus = append(cpus, alloc.CPUs...)
		if _, ok := env["OMP_NUM_THREADS"]; !ok {
			env["OMP_NUM_THREADS"] = strconv.Itoa(len(cpus))
		}
	}
	return RunSpec{
		Image:   cfg.Image,
		Command: append([]string(nil), cfg.Command...),
		WorkDir: workDir,
		CPUs:    cpus,
		Env:     env,
	}
}

// cpuSet renders CPU ids in the docker --cpuset-cpus form.
func cpuSet(cpus []int) string {
	parts := make([]string, len(cpus))
	for i, c := range cpus {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

// BareRuntime executes commands directly on the host.
type BareRuntime struct {
	runner CommandRunner
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{runner: &osCommandRunner{}}
}

func newBareRuntimeWithRunner(runner CommandRunner) *BareRuntime {
	return &BareRuntime{runner: runner}
}

func (r *BareRuntime) Name() string { return "none" }

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("bare runtime: empty command")
	}

	stdout, stderr, exitCode, err := r.runner.Run(ctx, spec.WorkDir, envList(spec.Env), spec.Command[0], spec.Command[1:]...)
	result := RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	if err != nil {
		return result, fmt.Errorf("bare runtime: %w", err)
	}
	return result, nil
}

// DockerRuntime executes commands inside Docker containers pinned to the
// allocated CPUs.
type DockerRuntime struct {
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{runner: &osCommandRunner{}}
}

func newDockerRuntimeWithRunner(runner CommandRunner) *DockerRuntime {
	return &DockerRuntime{runner: runner}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("docker runtime: empty command")
	}

	args := []string{"run", "--rm"}
	if len(spec.CPUs) > 0 {
		args = append(args, "--cpuset-cpus", cpuSet(spec.CPUs))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, exitCode, err := r.runner.Run(ctx, spec.WorkDir, nil, "docker", args...)
	if err != nil {
		return RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode},
			fmt.Errorf("docker runtime: %w", err)
	}

	return RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// ApptainerRuntime executes commands inside Apptainer (Singularity) containers.
type ApptainerRuntime struct {
	runner CommandRunner
}

// NewApptainerRuntime creates an ApptainerRuntime.
func NewApptainerRuntime() *ApptainerRuntime {
	return &ApptainerRuntime{runner: &osCommandRunner{}}
}

func newApptainerRuntimeWithRunner(runner CommandRunner) *ApptainerRuntime {
	return &ApptainerRuntime{runner: runner}
}

func (r *ApptainerRuntime) Name() string { return "apptainer" }

func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("apptainer runtime: image is required")
	}
	if len(spec.Command) == 0 {
		return RunResult{}, fmt.Errorf("apptainer runtime: empty command")
	}

	// Apptainer has no CPU pinning flag; the allocation reaches the task
	// through OMP_NUM_THREADS in spec.Env.
	args := []string{"exec"}
	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, "--bind", spec.WorkDir+":/work", "--pwd", "/work")
	args = append(args, "docker://"+spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, exitCode, err := r.runner.Run(ctx, spec.WorkDir, nil, "apptainer", args...)
	if err != nil {
		return RunResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode},
			fmt.Errorf("apptainer runtime: %w", err)
	}

	return RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "apptainer":
		return NewApptainerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
