// Package cli implements the maildir operator command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/openfinch/mail-server/internal/config"
	"github.com/openfinch/mail-server/internal/directory"
	"github.com/openfinch/mail-server/internal/logging"
	"github.com/openfinch/mail-server/internal/provider"
)

var version = "dev"

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode distinguishes negative answers from failures so scripts can
// branch on them.
func exitCode(err error) int {
	switch directory.GetErrorCategory(err) {
	case directory.ErrorCategoryNotFound, directory.ErrorCategoryAuthFailed:
		return 2
	case directory.ErrorCategoryConfiguration:
		return 3
	default:
		return 1
	}
}

type app struct {
	configPath string
	dirID      string
	output     string
	logLevel   string
	out        io.Writer

	// open replaces provider.New in tests.
	open func(ctx context.Context, f *config.File) (*provider.Provider, error)
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{
		out: out,
		open: func(ctx context.Context, f *config.File) (*provider.Provider, error) {
			return provider.New(ctx, f)
		},
	}

	rootCmd := &cobra.Command{
		Use:           "maildir",
		Short:         "Query the mail server directories",
		Long:          "maildir resolves principals, credentials and addresses through the directories declared in the mail server configuration.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("config") {
				if v := os.Getenv("MAILDIR_CONFIG"); v != "" {
					a.configPath = v
				}
			}
			if a.output != "text" && a.output != "json" {
				return fmt.Errorf("unsupported output format %q, expected text or json", a.output)
			}
			cmd.SetContext(a.logContext(cmd.Context()))
			return nil
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "maildir.yaml", "Configuration file (env MAILDIR_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&a.dirID, "directory", "d", "", "Directory id, required when more than one is configured")
	rootCmd.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "off", "Log level (trace, debug, info, warn, error, off); MAILDIR_LOG overrides")

	rootCmd.AddCommand(
		a.newLookupCmd(),
		a.newAuthCmd(),
		a.newEmailsCmd(),
		a.newVerifyCmd(),
		a.newExpandCmd(),
		a.newDomainCmd(),
		a.newSuperuserCmd(),
		a.newRcptCmd(),
		a.newContainsCmd(),
		a.newMigrateCmd(),
		a.newMetricsCmd(),
	)

	return rootCmd
}

// logContext installs the root logger and the directory subsystems.
func (a *app) logContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	level := a.logLevel
	if v := os.Getenv("MAILDIR_LOG"); v != "" {
		level = v
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("maildir"),
		tfsdklog.WithLevel(hclog.LevelFromString(level)),
		tfsdklog.WithoutLocation(),
	)
	ctx = logging.Init(ctx)

	tflog.Debug(ctx, "maildir starting", map[string]any{
		"version": version,
		"config":  a.configPath,
	})
	return ctx
}

// loadConfig reads the configuration and narrows it to the selected
// directory.
func (a *app) loadConfig() (*config.File, *config.Directory, error) {
	f, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}

	id := a.dirID
	if id == "" {
		ids := f.IDs()
		if len(ids) != 1 {
			return nil, nil, directory.NewError("select", directory.ErrorCategoryConfiguration,
				fmt.Sprintf("--directory is required, configured: %v", ids), nil)
		}
		id = ids[0]
	}

	d, ok := f.Directories[id]
	if !ok {
		return nil, nil, directory.NewError("select", directory.ErrorCategoryConfiguration,
			fmt.Sprintf("no directory named %q", id), nil)
	}
	return f, d, nil
}

// withService opens the selected directory for the duration of fn.
func (a *app) withService(ctx context.Context, fn func(*directory.Service) error) error {
	_, d, err := a.loadConfig()
	if err != nil {
		return err
	}

	p, err := a.open(ctx, &config.File{Directories: map[string]*config.Directory{d.ID: d}})
	if err != nil {
		return err
	}
	defer p.Close()

	svc, err := p.Directory(d.ID)
	if err != nil {
		return err
	}
	return fn(svc)
}
