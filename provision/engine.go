package provision

import "context"

// Engine drives an external infrastructure provisioning tool against a working directory.
// Implementations never roll back: a failed Apply still requires an explicit Destroy.
type Engine interface {
	// Initialize prepares workDir from the module found at moduleRef (relative to workDir)
	Initialize(ctx context.Context, workDir, moduleRef string) error
	// Apply materializes the infrastructure described by the initialized module
	Apply(ctx context.Context, workDir string) error
	// ReadOutputs returns the named outputs of the last apply
	ReadOutputs(ctx context.Context, workDir string) (map[string]string, error)
	// Destroy tears down everything managed from workDir
	Destroy(ctx context.Context, workDir string) error
}
