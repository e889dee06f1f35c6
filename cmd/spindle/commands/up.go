package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/factors"
	"github.com/spindle-run/spindle/pkg/factors/keyvalue"
	"github.com/spindle-run/spindle/pkg/factors/llm"
	"github.com/spindle-run/spindle/pkg/factors/networking"
	"github.com/spindle-run/spindle/pkg/factors/outbounddb"
	"github.com/spindle-run/spindle/pkg/factors/outboundhttp"
	"github.com/spindle-run/spindle/pkg/factors/sqlitedb"
	"github.com/spindle-run/spindle/pkg/factors/variables"
	"github.com/spindle-run/spindle/pkg/factors/wasifs"
	"github.com/spindle-run/spindle/pkg/loader"
	"github.com/spindle-run/spindle/pkg/telemetry"
	"github.com/spindle-run/spindle/pkg/trigger"
	"github.com/spindle-run/spindle/pkg/trigger/httptrigger"
	"github.com/spindle-run/spindle/pkg/trigger/redistrigger"
)

type upOptions struct {
	manifest            string
	listen              string
	runtimeConfigFile   string
	workingDir          string
	redisAddress        string
	metricsListen       string
	invocationTimeout   time.Duration
	allowTransientWrite bool
	disableCache        bool
}

func newUpCommand() *cobra.Command {
	var opts upOptions

	cmd := &cobra.Command{
		Use:   "up [manifest]",
		Short: "Run an application",
		Long: `Load an application manifest and serve its triggers.

Component modules are fetched into a content-addressed cache, component
files are staged read-only, and every declared trigger is served until the
process is interrupted.`,
		Example: `  # Serve the application described by ./spindle.toml
  spindle up

  # Serve a specific manifest on a fixed address
  spindle up ./examples/hello/spindle.toml --listen 127.0.0.1:3000

  # Route store labels through a runtime config file
  spindle up --runtime-config-file ./runtime-config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.manifest = defaultManifest
			if len(args) > 0 {
				opts.manifest = args[0]
			}
			return runUp(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:3000", "HTTP trigger listen address")
	cmd.Flags().StringVar(&opts.runtimeConfigFile, "runtime-config-file", "", "runtime configuration TOML file")
	cmd.Flags().StringVar(&opts.workingDir, "working-dir", "", "state directory (defaults to a temporary directory)")
	cmd.Flags().StringVar(&opts.redisAddress, "redis-address", "", "override the server address of every redis trigger")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "serve prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.invocationTimeout, "invocation-timeout", 2*time.Minute, "bound on one guest invocation (0 disables)")
	cmd.Flags().BoolVar(&opts.allowTransientWrite, "allow-transient-write", false, "mount component files read-write")
	cmd.Flags().BoolVar(&opts.disableCache, "disable-cache", false, "skip the content-addressed module cache")

	return cmd
}

func runUp(ctx context.Context, opts upOptions) error {
	tel, err := newTelemetry(func(cfg *telemetry.Config) {
		if opts.metricsListen != "" {
			cfg.Metrics.Enabled = true
			cfg.Metrics.ListenAddress = opts.metricsListen
		}
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger.NewComponentLogger("cli")
	if err := tel.Metrics.StartMetricsServer(); err != nil {
		return err
	}

	workDir, cleanup, err := ensureWorkDir(opts.workingDir)
	if err != nil {
		return err
	}
	defer cleanup()

	ldr := newLoader(tel, workDir, opts.disableCache)
	a, err := ldr.LoadFile(ctx, opts.manifest)
	if err != nil {
		return classifyLoadError(err)
	}

	var runtimeConfig []byte
	if opts.runtimeConfigFile != "" {
		runtimeConfig, err = os.ReadFile(opts.runtimeConfigFile)
		if err != nil {
			return ioError(fmt.Errorf("runtime config: %w", err))
		}
	}

	eng, err := engine.New(ctx, engine.Config{InvocationTimeout: opts.invocationTimeout})
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	registry, outboundHTTP, err := buildRegistry(tel, eng, ldr, workDir, opts.allowTransientWrite)
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

	httpTrigger, err := httptrigger.New(tel,
		trigger.NewExecutor(tel, registry, ldr, httptrigger.TriggerType), a, opts.listen)
	if err != nil {
		return err
	}
	// Component-to-component requests short-circuit through the HTTP
	// trigger instead of the network.
	outboundHTTP.ChainHandler = httpTrigger.ChainHandler()

	redisTrigger, err := redistrigger.New(tel,
		trigger.NewExecutor(tel, registry, ldr, redistrigger.TriggerType), a, opts.redisAddress)
	if err != nil {
		return err
	}

	logger.Infof("application %q loaded: %d components, %d triggers",
		appName(a), len(a.Components()), len(a.Triggers()))

	runners := []func(context.Context) error{httpTrigger.Run}
	if redisTrigger.HasBindings() {
		runners = append(runners, redisTrigger.Run)
	}
	return runAll(ctx, runners)
}

// buildRegistry assembles the factor set in preparation order. Variables
// must precede networking; networking must precede the outbound factors.
func buildRegistry(tel *telemetry.Telemetry, eng *engine.Engine, ldr *loader.Loader, workDir string, allowTransientWrite bool) (*factors.Registry, *outboundhttp.Factor, error) {
	outboundHTTP := &outboundhttp.Factor{}
	registry, err := factors.NewRegistry(tel, eng,
		&variables.Factor{},
		&networking.Factor{},
		&wasifs.Factor{AssetsRoot: ldr.AssetsRoot(), AllowWrites: allowTransientWrite},
		&keyvalue.Factor{},
		&sqlitedb.Factor{DefaultDatabasePath: filepath.Join(workDir, "sqlite_db.db")},
		outboundHTTP,
		outbounddb.NewPostgres(),
		outbounddb.NewMySQL(),
		&llm.Factor{},
	)
	if err != nil {
		return nil, nil, err
	}
	return registry, outboundHTTP, nil
}

func newLoader(tel *telemetry.Telemetry, workDir string, disableCache bool) *loader.Loader {
	var loaderOpts []loader.Option
	if disableCache {
		loaderOpts = append(loaderOpts, loader.WithoutCache())
	}
	return loader.New(workDir, tel.Logger.NewComponentLogger("loader"), loaderOpts...)
}

// ensureWorkDir resolves the state directory, creating a throwaway one when
// none is given. The cleanup removes only directories this process created.
func ensureWorkDir(configured string) (string, func(), error) {
	if configured != "" {
		if err := os.MkdirAll(configured, 0o755); err != nil {
			return "", nil, ioError(fmt.Errorf("working dir: %w", err))
		}
		return configured, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "spindle-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// runAll serves every trigger until the context ends or one fails; the
// first failure cancels the rest.
func runAll(ctx context.Context, runners []func(context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(runners))
	for _, run := range runners {
		go func(run func(context.Context) error) {
			errs <- run(runCtx)
		}(run)
	}

	var firstErr error
	for range runners {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func appName(a *app.App) string {
	raw := a.Metadata("name")
	if raw == nil {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return ""
	}
	return name
}
