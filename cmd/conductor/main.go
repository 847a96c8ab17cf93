package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/videoflow/conductor/internal/log"
	"github.com/videoflow/conductor/internal/model"
	"github.com/videoflow/conductor/internal/sequence"
	"github.com/videoflow/conductor/internal/service"
	"github.com/videoflow/conductor/internal/store"
)

var (
	userConfigPath string // /default/config/path/conductor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string   // value of --config flag
	flagVerbose        bool     // value of --verbose flag
	flagVars           []string // values of step --var k=v
	flagLimit          int      // value of history --limit
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "conductor")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is conductor.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	stepCmd.Flags().StringArrayVar(&flagVars, "var", nil, "placeholder value in the key=value form, can be repeated")
	sequenceCmd.Flags().StringArrayVar(&flagVars, "var", nil, "placeholder value in the key=value form, can be repeated")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of outcomes to list")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initConductor

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(sequenceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("conductor failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "conductor",
	Short:        "Runs media processing steps sharing one accelerator",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the dispatcher, automatic schedule and metrics endpoint",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var stepCmd = &cobra.Command{
	Use:   "step <name>",
	Short: "step launches one step and follows its output",
	Args:  cobra.ExactArgs(1),
	RunE:  doStep,
}

var sequenceCmd = &cobra.Command{
	Use:   "sequence <name|step...>",
	Short: "sequence runs a named sequence or the listed steps in order",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doSequence,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists the stored sequence outcomes",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a conductor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("conductor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("conductor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("conductor",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	c, err := NewConductor(ctx, config, options{})
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Serve(ctx)
}

func doStep(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("conductor",
		slog.String("cmd", "step"),
		slog.Int("pid", os.Getpid()),
	))
	vars, err := parseVars(flagVars)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	c, err := NewConductor(ctx, config, options{
		vars: vars,
		onLine: func(_, line string) {
			_, _ = fmt.Fprintln(out, line)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.supervisor.Launch(ctx, name, service.LaunchOptions{}); err != nil {
		return err
	}
	done, err := c.supervisor.Done(name)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		// Stop escalates to SIGKILL after the grace period
		if err := c.supervisor.Stop(context.WithoutCancel(ctx), name); err != nil {
			slog.WarnContext(ctx, "stopping step", "step", name, "error", err)
		}
		<-done
	}

	summary, err := c.supervisor.Step(name)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "step finished",
		"step", name,
		"status", summary.Status,
		"duration", summary.DurationText,
	)
	if summary.Status != service.StatusCompleted {
		return fmt.Errorf("step %s: %s", name, summary.Status)
	}
	return nil
}

func doSequence(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("conductor",
		slog.String("cmd", "sequence"),
		slog.Int("pid", os.Getpid()),
	))
	steps, err := sequenceSteps(config, args)
	if err != nil {
		return err
	}
	vars, err := parseVars(flagVars)
	if err != nil {
		return err
	}

	c, err := NewConductor(ctx, config, options{vars: vars})
	if err != nil {
		return err
	}
	defer c.Close()

	// interrupt stops the sequence at the current step
	stop := context.AfterFunc(ctx, func() { c.sequences.RequestStop() })
	defer stop()

	outcome, err := c.sequences.Run(context.WithoutCancel(ctx), steps, sequence.KindManual)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printOutcome(w, outcome)
	if err := w.Flush(); err != nil {
		return err
	}
	if outcome.Status != sequence.StatusSuccess {
		return fmt.Errorf("sequence %s: %s", outcome.Status, outcome.Message)
	}
	return nil
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if config.Service.Database == "" {
		return errors.New("history is disabled, set service.database")
	}
	s, err := store.Open(ctx, config.Service.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	outcomes, err := s.ListOutcomes(ctx, flagLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FINISHED\tKIND\tSTATUS\tDURATION\tSTEPS\tMESSAGE")
	for _, out := range outcomes {
		printOutcome(w, out)
	}
	return w.Flush()
}

func printOutcome(w *tabwriter.Writer, out sequence.Outcome) {
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		out.Timestamp.Local().Format("2006-01-02 15:04:05"),
		out.Kind,
		out.Status,
		model.FormatDuration(out.Timestamp.Sub(out.Started)),
		strings.Join(out.Steps, ","),
		out.Message,
	)
}

// sequenceSteps resolves a single sequence name or a list of step names.
func sequenceSteps(cfg model.Config, args []string) ([]string, error) {
	if len(args) == 1 {
		return cfg.Sequence(args[0])
	}
	for _, name := range args {
		if _, ok := cfg.Step(name); !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownStep, name)
		}
	}
	return args, nil
}

func parseVars(kvs []string) (map[string]string, error) {
	ret := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		ret[k] = v
	}
	return ret, nil
}

func initConductor(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CONDUCTORCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "conductor.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, "conductor.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose, config.Service.LogFormat))

	slog.Debug("conductor run", "configPath", configPath)
	return nil
}

func writeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
