package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/opportunet/playbook/pkg/browser"
	"github.com/opportunet/playbook/pkg/logging"
	"github.com/opportunet/playbook/pkg/manager"
	"github.com/opportunet/playbook/pkg/runtime"
	"github.com/opportunet/playbook/pkg/schema"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagDir      string
	flagLogLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "playbook",
	Short: "Playbook execution engine and manager",
	Long:  "playbook — runs declarative browser-automation playbooks and manages their definitions, history and statistics.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", defaultDir(), "storage directory for definitions and history")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd, validateCmd, schemaCmd, listCmd, showCmd,
		execCmd, historyCmd, statsCmd, exportCmd, importCmd, deleteCmd)
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbook"
	}
	return filepath.Join(home, ".playbook")
}

func newManager() (*manager.Manager, error) {
	log := logging.New(flagLogLevel)
	return manager.New(afero.NewOsFs(), flagDir, manager.WithLogger(log))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("playbook %s (%s)\n", version, commit)
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [playbook.json|playbook.yaml]",
	Short: "Validate a playbook file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	pb, errs := schema.ValidateFile(args[0])
	res := schema.Summarize(errs)

	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "  ⚠ %s\n", w)
	}
	if !res.Valid {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n", len(res.Errors))
		for i, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, e)
		}
		return fmt.Errorf("validation failed with %d error(s)", len(res.Errors))
	}
	fmt.Printf("✓ %s is valid (%d actions, %d extraction rules)\n", pb.Name, len(pb.Actions), len(pb.ExtractionRules))
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the playbook JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- list / show ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored playbooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		for _, pb := range m.List() {
			line := fmt.Sprintf("%-24s %-8s %s", pb.ID, pb.Version, pb.Name)
			if st := m.Stats(pb.ID); st != nil {
				line += fmt.Sprintf("  (%d runs, %.0f%% ok)", st.TotalExecutions, st.SuccessRate)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a stored playbook as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		pb, err := m.Get(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(pb, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- exec ---

var (
	execVars       []string
	execReplay     string
	execHeadless   bool
	execRemote     string
	execTimeout    time.Duration
	execTrace      string
	execScreenshot string
	execOutput     string
)

var execCmd = &cobra.Command{
	Use:   "exec [id | playbook-file]",
	Short: "Execute a playbook against a browser",
	Long: `Executes a playbook by stored id, or directly from a file when the
argument names an existing .json/.yaml file. With --replay the browser
is simulated from a fixture file instead of launching Chrome.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringArrayVar(&execVars, "var", nil, "variable override (key=value, repeatable)")
	execCmd.Flags().StringVar(&execReplay, "replay", "", "replay fixture file instead of a live browser")
	execCmd.Flags().BoolVar(&execHeadless, "headless", true, "run the local browser headless")
	execCmd.Flags().StringVar(&execRemote, "remote", "", "DevTools URL of an already-running browser")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "overall run deadline (0 = per-action timeouts only)")
	execCmd.Flags().StringVar(&execTrace, "trace", "", "write a JSONL action trace to this file")
	execCmd.Flags().StringVar(&execScreenshot, "screenshot-dir", "", "directory for screenshot captures")
	execCmd.Flags().StringVar(&execOutput, "out", "", "write extracted records as JSON to this file (default stdout)")
}

func runExec(cmd *cobra.Command, args []string) error {
	overrides, err := parseVars(execVars)
	if err != nil {
		return err
	}

	log := logging.New(flagLogLevel)

	var opts []runtime.Option
	opts = append(opts, runtime.WithLogger(log))
	if execTimeout > 0 {
		opts = append(opts, runtime.WithRunTimeout(execTimeout))
	}
	if execScreenshot != "" {
		opts = append(opts, runtime.WithScreenshotDir(execScreenshot))
	}
	if execTrace != "" {
		tw, err := runtime.NewTraceWriter(execTrace)
		if err != nil {
			return err
		}
		defer tw.Close()
		opts = append(opts, runtime.WithTrace(tw))
	}

	ctx := context.Background()
	session, err := openSession(ctx)
	if err != nil {
		return err
	}

	// The engine closes the session when a run happens; close it here
	// only when we bail out before one starts.
	var result *runtime.Result
	defer func() {
		if result == nil {
			session.Close(ctx)
		}
	}()

	if fileExists(args[0]) {
		pb, errs := schema.ValidateFile(args[0])
		if res := schema.Summarize(errs); !res.Valid {
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "  %s\n", e)
			}
			return fmt.Errorf("playbook validation failed")
		}
		result = runtime.New(pb, session, opts...).Run(ctx, overrides)
	} else {
		m, err := newManager()
		if err != nil {
			return err
		}
		result, err = m.Execute(ctx, args[0], session, overrides, opts...)
		if err != nil {
			return err
		}
	}

	return reportResult(result)
}

func openSession(ctx context.Context) (browser.Session, error) {
	if execReplay != "" {
		return browser.LoadFixture(execReplay)
	}
	return browser.NewChromeSession(ctx, browser.ChromeOptions{
		RemoteURL: execRemote,
		Headless:  execHeadless,
	})
}

func reportResult(result *runtime.Result) error {
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  ⚠ %s\n", w)
	}

	data, err := json.MarshalIndent(result.Opportunities, "", "  ")
	if err != nil {
		return err
	}
	if execOutput != "" {
		if err := os.WriteFile(execOutput, data, 0644); err != nil {
			return err
		}
	} else {
		fmt.Println(string(data))
	}

	if !result.Success {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  ✗ %s\n", e)
		}
		return fmt.Errorf("run failed with %d error(s)", len(result.Errors))
	}
	fmt.Fprintf(os.Stderr, "✓ run succeeded: %d record(s) in %s\n",
		len(result.Opportunities), result.ExecutionTime.Round(time.Millisecond))
	return nil
}

func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, v := range pairs {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		vars[parts[0]] = parts[1]
	}
	return vars, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// --- history / stats ---

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show execution history for a playbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		entries, err := m.History(args[0])
		if err != nil {
			return err
		}
		for _, e := range entries {
			status := "✓"
			if !e.Success {
				status = "✗"
			}
			fmt.Printf("%s %s  %s  %d record(s)  %dms\n",
				status, e.ID, e.ExecutedAt.Format(time.RFC3339), e.OpportunitiesFound, e.ExecutionTime)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [id]",
	Short: "Show execution statistics for a playbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		if _, err := m.Get(args[0]); err != nil {
			return err
		}
		st := m.Stats(args[0])
		if st == nil {
			fmt.Println("no executions recorded")
			return nil
		}
		fmt.Printf("executions:    %d (%d ok, %d failed)\n", st.TotalExecutions, st.SuccessfulExecutions, st.FailedExecutions)
		fmt.Printf("success rate:  %.1f%%\n", st.SuccessRate)
		fmt.Printf("avg duration:  %s\n", st.AverageExecutionTime.Round(time.Millisecond))
		fmt.Printf("avg records:   %.1f\n", st.AverageOpportunitiesFound)
		fmt.Printf("last executed: %s\n", st.LastExecuted.Format(time.RFC3339))
		return nil
	},
}

// --- export / import / delete ---

var exportCmd = &cobra.Command{
	Use:   "export [id] [file]",
	Short: "Export a stored playbook to a JSON or YAML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		if err := m.Export(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ exported %s to %s\n", args[0], args[1])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a playbook file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		pb, err := m.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ imported %s (%s)\n", pb.ID, pb.Name)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a stored playbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		if err := m.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ deleted %s\n", args[0])
		return nil
	},
}
