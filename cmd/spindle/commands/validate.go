package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spindle-run/spindle/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	var runtimeConfigFile string

	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate an application manifest",
		Long: `Load an application manifest without serving it.

This command checks:
  - Manifest syntax and required fields
  - Component sources, digests and file mounts
  - Trigger declarations and component references
  - Runtime configuration tables, when a file is given`,
		Example: `  # Validate ./spindle.toml
  spindle validate

  # Validate a manifest together with its runtime configuration
  spindle validate ./app/spindle.toml --runtime-config-file ./runtime-config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := defaultManifest
			if len(args) > 0 {
				manifest = args[0]
			}
			return runValidate(cmd.Context(), manifest, runtimeConfigFile)
		},
	}

	cmd.Flags().StringVar(&runtimeConfigFile, "runtime-config-file", "", "runtime configuration TOML file")

	return cmd
}

func runValidate(ctx context.Context, manifest, runtimeConfigFile string) error {
	tel, err := newTelemetry()
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	workDir, err := os.MkdirTemp("", "spindle-validate-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	ldr := newLoader(tel, workDir, true)
	a, err := ldr.LoadFile(ctx, manifest)
	if err != nil {
		return classifyLoadError(err)
	}

	// Running the configure phase catches allow-list, variable and
	// runtime-config problems the manifest parse alone cannot see.
	var runtimeConfig []byte
	if runtimeConfigFile != "" {
		runtimeConfig, err = os.ReadFile(runtimeConfigFile)
		if err != nil {
			return ioError(fmt.Errorf("runtime config: %w", err))
		}
	}
	eng, err := engine.New(ctx, engine.Config{})
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	registry, _, err := buildRegistry(tel, eng, ldr, workDir, false)
	if err != nil {
		return err
	}
	if err := registry.Init(ctx); err != nil {
		return err
	}
	eng.Seal()
	if err := registry.ConfigureApp(ctx, a, runtimeConfig); err != nil {
		return err
	}

	fmt.Printf("%s: %d components, %d triggers\n", manifest, len(a.Components()), len(a.Triggers()))
	return nil
}
