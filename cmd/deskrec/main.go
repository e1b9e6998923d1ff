package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RecordFlags holds flags for the foreground record command.
type RecordFlags struct {
	Name      string
	OutputDir string
	Synthetic bool
}

// APIFlags holds flags for commands that talk to a running daemon.
type APIFlags struct {
	Name       string
	APIUrl     string
	APITimeout time.Duration
}

// ServeFlags holds flags for the daemon command.
type ServeFlags struct {
	Listen    string
	Synthetic bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	recordFlags := &RecordFlags{}
	serveFlags := &ServeFlags{}
	startFlags := &APIFlags{}
	stopFlags := &APIFlags{}
	statusFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRecordCommand(globalFlags, recordFlags),
		createServeCommand(globalFlags, serveFlags),
		createStartCommand(startFlags),
		createStopCommand(stopFlags),
		createStatusCommand(statusFlags),
		createDoctorCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deskrec",
		Short: "Synchronized desktop session recorder",
		Long: `Deskrec records screen video, system audio, microphone audio, and
bluetooth proximity events onto one session clock, producing per-session
artifacts that line up in time.

Examples:
  deskrec record --name=pilot --synthetic     # Foreground session with synthetic sources
  deskrec serve                               # Start daemon with control API
  deskrec start --name=pilot                  # Start a session via the daemon
  deskrec status                              # Query the daemon
  deskrec doctor                              # Check capture prerequisites`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRecordCommand(global *GlobalFlags, flags *RecordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a session in the foreground until interrupted",
		Long: `Record starts a session and runs until SIGINT or SIGTERM, then
finalizes all artifacts before exiting.

Examples:
  deskrec record --name=pilot
  deskrec record --name=demo --synthetic --output=/tmp/demo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(global.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "session", "session name")
	cmd.Flags().StringVar(&flags.OutputDir, "output", "", "override output directory")
	cmd.Flags().BoolVar(&flags.Synthetic, "synthetic", false, "use software-generated capture sources")
	return cmd
}

func createServeCommand(global *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder daemon with its HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(global.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override listen address (default from config)")
	cmd.Flags().BoolVar(&flags.Synthetic, "synthetic", false, "use software-generated capture sources")
	return cmd
}

func createStartCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session via a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*flags)
		},
	}
	addAPIFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.Name, "name", "", "session name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active session via a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(*flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createStatusCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(*flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createDoctorCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check capture prerequisites and unfinished sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(global.ConfigPath)
		},
	}
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8951/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}
