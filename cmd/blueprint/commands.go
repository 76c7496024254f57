package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/blueprint/internal/core/dsl"
	"github.com/artpar/blueprint/internal/core/multiinstance"
	"github.com/artpar/blueprint/internal/core/ordering"
	"github.com/artpar/blueprint/internal/core/schema"
)

// app holds the state shared by subcommands once the root has loaded the
// configuration.
type app struct {
	configPath string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "blueprint",
		Short: "Compile deployment blueprints into deployment plans",
		Long: `blueprint compiles YAML deployment blueprints, resolving imports, type
hierarchies, interfaces and relationships into a flat deployment plan, and
expands plans into concrete node instances.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(a.configPath)
			if err != nil {
				return &CommandError{Op: "load config", Err: err, ExitCode: ExitConfigError}
			}
			a.cfg = cfg
			a.logger = SetupLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file")

	root.AddCommand(
		a.compileCmd(),
		a.expandCmd(),
		a.orderCmd(),
		a.schemaCmd(),
		a.serveCmd(),
		a.versionCmd(),
	)
	return root
}

// =============================================================================
// compile
// =============================================================================

type outputOptions struct {
	format string
	path   string
}

func (o *outputOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.format, "format", "f", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&o.path, "output", "o", "", "Write the plan to this file instead of stdout")
}

func (a *app) compileCmd() *cobra.Command {
	var (
		aliases []string
		expand  bool
		seed    int64
		out     outputOptions
	)

	cmd := &cobra.Command{
		Use:   "compile <location|->",
		Short: "Compile a blueprint into a deployment plan",
		Long: `Compile the blueprint at location, or read from stdin when location is "-".
Locations may be file paths, file: or http(s): URLs, or aliases.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a.cfg.Resolver.Aliases = append(a.cfg.Resolver.Aliases, aliases...)

			service, err := newPlanner(ctx, a.cfg, nil, tokenSource(cmd, seed), nil, a.logger)
			if err != nil {
				return err
			}

			var plan *dsl.Plan
			if args[0] == "-" {
				text, readErr := io.ReadAll(cmd.InOrStdin())
				if readErr != nil {
					return &CommandError{Op: "read stdin", Err: readErr, ExitCode: ExitIOError}
				}
				plan, err = service.Compile(ctx, text, nil)
			} else {
				plan, err = service.CompileFromLocation(ctx, args[0], nil)
			}
			if err != nil {
				return &CommandError{Op: "compile", Err: err, ExitCode: ExitCompileError}
			}

			if expand {
				plan, err = service.Expand(plan)
				if err != nil {
					return &CommandError{Op: "expand", Err: err, ExitCode: ExitCompileError}
				}
			}

			return writePlan(cmd, plan, out)
		},
	}

	cmd.Flags().StringArrayVarP(&aliases, "alias", "a", nil, "Import alias as name=location (repeatable)")
	cmd.Flags().BoolVar(&expand, "expand", false, "Expand the compiled plan into node instances")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for reproducible instance suffixes")
	out.register(cmd)
	return cmd
}

// =============================================================================
// expand
// =============================================================================

func (a *app) expandCmd() *cobra.Command {
	var (
		seed int64
		out  outputOptions
	)

	cmd := &cobra.Command{
		Use:   "expand <plan.json|->",
		Short: "Expand a compiled plan into node instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return &CommandError{Op: "read plan", Err: err, ExitCode: ExitIOError}
			}

			var plan dsl.Plan
			if err := json.Unmarshal(data, &plan); err != nil {
				return &CommandError{Op: "decode plan", Err: err, ExitCode: ExitIOError}
			}

			service, err := newPlanner(cmd.Context(), a.cfg, nil, tokenSource(cmd, seed), nil, a.logger)
			if err != nil {
				return err
			}

			expanded, err := service.Expand(&plan)
			if err != nil {
				return &CommandError{Op: "expand", Err: err, ExitCode: ExitCompileError}
			}
			return writePlan(cmd, expanded, out)
		},
	}

	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for reproducible instance suffixes")
	out.register(cmd)
	return cmd
}

// =============================================================================
// order
// =============================================================================

func (a *app) orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <plan.json|->",
		Short: "Print the install order of a plan's nodes",
		Long: `Print node ids in install batches, one batch per line. A node is listed
after its host and every node it has a relationship to.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return &CommandError{Op: "read plan", Err: err, ExitCode: ExitIOError}
			}

			var plan dsl.Plan
			if err := json.Unmarshal(data, &plan); err != nil {
				return &CommandError{Op: "decode plan", Err: err, ExitCode: ExitIOError}
			}

			batches, err := ordering.InstallOrder(&plan)
			if err != nil {
				return &CommandError{Op: "order", Err: err, ExitCode: ExitCompileError}
			}
			a.logger.Debug("plan ordered", "plan", plan.Name, "batches", len(batches))

			for _, batch := range batches {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(batch, " "))
			}
			return nil
		},
	}
}

// =============================================================================
// schema, serve, version
// =============================================================================

func (a *app) schemaCmd() *cobra.Command {
	var imports bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the blueprint grammar as an OpenAPI schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := schema.Blueprint()
			if imports {
				s = schema.Imports()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().BoolVar(&imports, "imports", false, "Print the schema of an imports section instead")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}

			a.logger.Info("starting blueprint",
				"version", Version,
				"config", a.configPath,
			)

			server, err := NewServer(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (overrides server.port)")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "blueprint %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// tokenSource returns a seeded source when --seed was given, nil otherwise.
func tokenSource(cmd *cobra.Command, seed int64) multiinstance.TokenSource {
	if cmd.Flags().Changed("seed") {
		return multiinstance.NewSeededSource(seed)
	}
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writePlan(cmd *cobra.Command, plan *dsl.Plan, out outputOptions) error {
	var data []byte
	var err error
	switch out.format {
	case "json":
		data, err = json.MarshalIndent(plan, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(plan)
	default:
		return &CommandError{Op: "write plan", Err: fmt.Errorf("unknown format %q", out.format), ExitCode: ExitConfigError}
	}
	if err != nil {
		return &CommandError{Op: "encode plan", Err: err, ExitCode: ExitIOError}
	}

	if out.path == "" {
		_, err = cmd.OutOrStdout().Write(data)
	} else {
		err = os.WriteFile(out.path, data, 0o644)
	}
	if err != nil {
		return &CommandError{Op: "write plan", Err: err, ExitCode: ExitIOError}
	}
	return nil
}
