package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/autoexec/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand onto the root command.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(),
		createServicesCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "autoexec",
		Short: "Keep git-hosted services checked out, updated and running",
		Long: `autoexec clones every repository listed in the services file, runs the
script named by its entry file and restarts it when it crashes or when the
tracked branch moves upstream.

Examples:
  autoexec serve --config=autoexec.toml
  autoexec serve --services=services.txt --repos=/srv/repos
  autoexec status --api-url=http://localhost:8000/status
  autoexec services --services=services.txt`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor until interrupted",
		Long: `Run the reconciler, one supervisor per listed service and the status server.
Stops every worker on SIGINT or SIGTERM.

Examples:
  autoexec serve                          # defaults plus AUTOEXEC_* environment
  autoexec serve autoexec.toml
  autoexec serve --listen=0.0.0.0:8000 --services=/etc/autoexec/services.txt
  autoexec serve --daemonize --logfile=/var/log/autoexec.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.ServicesFile, "services", "", "services file (overrides config)")
	cmd.Flags().StringVar(&serveFlags.ReposDir, "repos", "", "checkout directory (overrides config)")
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "status server address (overrides config)")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the manager pid to this file (overrides config)")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func createStatusCommand() *cobra.Command {
	statusFlags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every service from a running manager",
		Long: `Query the status endpoint of a running manager.

Examples:
  autoexec status
  autoexec status --api-url=http://remote:8000/api/status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", client.DefaultURL, "manager status URL (api_url)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print the raw JSON document")
	cmd.Flags().BoolVar(&statusFlags.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&statusFlags.CACert, "ca-cert", "", "CA certificate for an https status URL")
	return cmd
}

func createServicesCommand(globalFlags *GlobalFlags) *cobra.Command {
	servicesFlags := &ServicesFlags{}
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Parse the services file and print the resulting definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			servicesFlags.ConfigPath = globalFlags.ConfigPath
			return runServices(cmd.OutOrStdout(), servicesFlags)
		},
	}
	cmd.Flags().StringVar(&servicesFlags.ServicesFile, "services", "", "services file (overrides config)")
	cmd.Flags().StringVar(&servicesFlags.ReposDir, "repos", "", "checkout directory (overrides config)")
	cmd.Flags().BoolVar(&servicesFlags.JSON, "json", false, "print as JSON")
	return cmd
}
