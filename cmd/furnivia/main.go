package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command writing results to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	setDBFlags := &SetDBFlags{}
	profileFlags := &ProfileFlags{}
	testFlags := &TestConnectionFlags{}
	reclaimFlags := &ReclaimFlags{}
	statusFlags := &StatusFlags{}

	furniviaCommand := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(furniviaCommand, globalFlags, runFlags),
		createConfigCommand(furniviaCommand, globalFlags, setDBFlags),
		createProfileCommand(furniviaCommand, globalFlags, profileFlags),
		createTestConnectionCommand(furniviaCommand, globalFlags, testFlags),
		createReclaimCommand(furniviaCommand, globalFlags, reclaimFlags),
		createStatusCommand(furniviaCommand, globalFlags, statusFlags),
		createFollowCommand(furniviaCommand, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with its persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "furnivia",
		Short: "FurniVIA shell and backend supervisor",
		Long: `FurniVIA runs the supplier-management backend and keeps its database
configuration and user profile.

Examples:
  furnivia run                       # supervise the backend until interrupted
  furnivia --dev run                 # use ../backend next to the working directory
  furnivia config set-db --url=postgresql://user:pw@db.local:5432/furnizori
  furnivia status --limit=20`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVar(&flags.Dev, "dev", false, "development mode")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "override the data directory")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(furniviaCommand command, globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the backend and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.Run(globalFlags, *runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.NoBridge, "no-bridge", false, "do not serve the local bridge")
	return cmd
}

// createConfigCommand creates the config subcommand tree
func createConfigCommand(furniviaCommand command, globalFlags *GlobalFlags, setDBFlags *SetDBFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the database configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored database configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.ConfigShow(globalFlags)
		},
	}

	setDB := &cobra.Command{
		Use:   "set-db",
		Short: "Test and store a new database configuration",
		Long: `Test a connection to the given database and store it when it succeeds.
A running shell stores it and restarts its backend.

Examples:
  furnivia config set-db --url=postgresql://user:pw@localhost:5432/furnizori_dev
  furnivia config set-db --url=postgresql://user:pw@ep-x.neon.tech/db --type=hosted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.ConfigSetDB(globalFlags, *setDBFlags)
		},
	}
	setDB.Flags().StringVar(&setDBFlags.URL, "url", "", "database URL (required)")
	setDB.Flags().StringVar(&setDBFlags.Type, "type", "", "local, hosted or server (default: local)")
	setDB.Flags().BoolVar(&setDBFlags.SkipTest, "skip-test", false, "store without testing the connection")
	if err := setDB.MarkFlagRequired("url"); err != nil {
		panic(err)
	}

	cmd.AddCommand(show, setDB)
	return cmd
}

// createProfileCommand creates the profile subcommand tree
func createProfileCommand(furniviaCommand command, globalFlags *GlobalFlags, profileFlags *ProfileFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage the signed-in user profile",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.ProfileGet(globalFlags)
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.ProfileSet(globalFlags, *profileFlags)
		},
	}
	set.Flags().StringVar(&profileFlags.Email, "email", "", "email address (required)")
	set.Flags().StringVar(&profileFlags.SMTPServer, "smtp-server", "", "SMTP host")
	set.Flags().StringVar(&profileFlags.SMTPPort, "smtp-port", "", "SMTP port")
	set.Flags().StringVar(&profileFlags.SMTPUser, "smtp-user", "", "SMTP user")
	set.Flags().StringVar(&profileFlags.SMTPPass, "smtp-pass", "", "SMTP password, stored encrypted")
	set.Flags().StringVar(&profileFlags.Name, "name", "", "display name")
	set.Flags().StringVar(&profileFlags.Role, "role", "", "job title")
	set.Flags().StringVar(&profileFlags.Mobile, "mobile", "", "mobile phone")
	set.Flags().StringVar(&profileFlags.Landline, "landline", "", "landline phone")
	if err := set.MarkFlagRequired("email"); err != nil {
		panic(err)
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored profile (logout)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.ProfileClear(globalFlags)
		},
	}

	cmd.AddCommand(get, set, clearCmd)
	return cmd
}

// createTestConnectionCommand creates the test-connection subcommand
func createTestConnectionCommand(furniviaCommand command, globalFlags *GlobalFlags, testFlags *TestConnectionFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Check that a database is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.TestConnection(globalFlags, *testFlags)
		},
	}
	cmd.Flags().StringVar(&testFlags.URL, "url", "", "database URL (default: the stored configuration)")
	cmd.Flags().DurationVar(&testFlags.Timeout, "timeout", 0, "connection timeout (default: timeouts.connect)")
	return cmd
}

// createReclaimCommand creates the reclaim subcommand
func createReclaimCommand(furniviaCommand command, globalFlags *GlobalFlags, reclaimFlags *ReclaimFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Kill whatever listens on the backend port",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.Reclaim(globalFlags, *reclaimFlags)
		},
	}
	cmd.Flags().IntVar(&reclaimFlags.Port, "port", 0, "port to free (default: backend.port)")
	cmd.Flags().DurationVar(&reclaimFlags.Timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(furniviaCommand command, globalFlags *GlobalFlags, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend process and recent supervision history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.Status(globalFlags, *statusFlags)
		},
	}
	cmd.Flags().IntVar(&statusFlags.Limit, "limit", 10, "history events to show, 0 to skip")
	return cmd
}

// createFollowCommand creates the follow subcommand
func createFollowCommand(furniviaCommand command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Stream backend output from the running shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return furniviaCommand.Follow(globalFlags)
		},
	}
}
