package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/miragespace/ctfinstancer/spec"

	"go.uber.org/zap"
)

// TerraformOptions contains the configuration for the terraform-compatible Engine
type TerraformOptions struct {
	Binary  string        // terraform, tofu, or anything accepting the same subcommands
	Timeout time.Duration // bound on every single subprocess
	Logger  *zap.Logger
}

// Terraform runs a terraform-compatible CLI as a subprocess for each step
type Terraform struct {
	TerraformOptions
}

var _ Engine = &Terraform{}

// NewTerraform returns an Engine invoking option.Binary
func NewTerraform(option TerraformOptions) (*Terraform, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.Binary) == 0 {
		option.Binary = "terraform"
	}
	if option.Timeout <= 0 {
		option.Timeout = spec.DefaultProvisionTimeout
	}
	return &Terraform{
		TerraformOptions: option,
	}, nil
}

func (t *Terraform) Initialize(ctx context.Context, workDir, moduleRef string) error {
	_, err := t.run(ctx, PhaseInitialize, workDir, "init", "-no-color", "-input=false", "-force-copy", "-from-module="+moduleRef)
	return err
}

func (t *Terraform) Apply(ctx context.Context, workDir string) error {
	_, err := t.run(ctx, PhaseApply, workDir, "apply", "-no-color", "-input=false", "-auto-approve")
	return err
}

func (t *Terraform) ReadOutputs(ctx context.Context, workDir string) (map[string]string, error) {
	stdout, err := t.run(ctx, PhaseOutput, workDir, "output", "-no-color")
	if err != nil {
		return nil, err
	}
	return ParseOutputs(stdout), nil
}

func (t *Terraform) Destroy(ctx context.Context, workDir string) error {
	_, err := t.run(ctx, PhaseDestroy, workDir, "destroy", "-no-color", "-input=false", "-auto-approve")
	return err
}

func (t *Terraform) run(ctx context.Context, phase Phase, workDir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	logger := t.Logger.With(
		zap.String("Phase", string(phase)),
		zap.String("WorkDir", workDir),
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, t.Binary, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// the tool's provider plugins may inherit the pipes and outlive a killed parent
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	logger.Debug("Provisioning tool exited",
		zap.Duration("Took", time.Since(start)),
		zap.Int("ExitCode", cmd.ProcessState.ExitCode()),
	)
	if err == nil {
		return stdout.String(), nil
	}

	pErr := &Error{
		Phase:    phase,
		WorkDir:  workDir,
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pErr.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		pErr.Timeout = true
	} else if ctx.Err() != nil {
		pErr.Err = ctx.Err()
	}
	return "", pErr
}
