package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/appliance/config"
	"github.com/cochaviz/appliance/internal/artifacts"
	"github.com/cochaviz/appliance/internal/build"
	"github.com/cochaviz/appliance/internal/configurations"
	"github.com/cochaviz/appliance/internal/inspect"
	"github.com/cochaviz/appliance/internal/logging"
	"github.com/cochaviz/appliance/internal/setup"
)

const defaultLogLevel = "info"

// errNoBootloader makes has-bootloader exit 1 without an error message.
var errNoBootloader = errors.New("no bootloader found")

// cli holds the state shared by every command. The logger is rebuilt once
// the persistent flags are parsed.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	level   slog.LevelVar
	logger  *slog.Logger
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	c.level.Set(slog.LevelInfo)
	c.logger = logging.NewCLI(stderr, &c.level)

	root := newRootCommand(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(err, stderr)
	}
	return 0
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "Interrupted")
		return 130
	case errors.Is(err, errNoBootloader):
		return 1
	default:
		fmt.Fprintf(stderr, "Error: %s\n", singleLine(err.Error()))
		return 1
	}
}

// singleLine joins the non-blank lines of msg with "; ".
func singleLine(msg string) string {
	var parts []string
	for _, line := range strings.Split(msg, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}

func newRootCommand(c *cli) *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "appliance",
		Short:         "Build bootable virtual machine disk images from root filesystems",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")
	root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "Enable debug logging and stream external tool output")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if c.verbose {
			level = slog.LevelDebug
		}
		c.level.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		c.logger = logging.New(mode, c.stderr, &c.level)
		slog.SetDefault(c.logger)
		setup.SetLogger(c.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newCreateCommand(c),
		newHasBootloaderCommand(c),
		newNeedBootloaderCommand(c),
	)
	return root
}

func newCreateCommand(c *cli) *cobra.Command {
	var (
		request     build.BuildRequest
		profilePath string
	)

	cmd := &cobra.Command{
		Use:   "create <input>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a bootable disk image from a root filesystem directory or tar archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Input = strings.TrimSpace(args[0])
			if request.Input == "" {
				return fmt.Errorf("input is required")
			}

			if profilePath != "" {
				profile, err := configurations.LoadProfile(profilePath)
				if err != nil {
					return err
				}
				profile.Apply(&request, cmd.Flags().Changed)
			}
			request.RequestedAt = time.Now()

			cmdLogger := c.logger.With("command", "create")
			gw, err := config.NewGateway(config.Options{
				WorkDir: request.WorkDir,
				Verbose: c.verbose,
				Stdout:  c.stderr,
				Stderr:  c.stderr,
			}, cmdLogger)
			if err != nil {
				return err
			}

			result, err := config.Build(cmd.Context(), gw, &request, cmdLogger)
			if err != nil {
				return err
			}

			path, err := artifacts.PathFromURI(result.DiskImage.URI)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&request.Format, configurations.FlagFormat, "F", build.DefaultFormat,
		"Output container format. Allowed values are "+strings.Join(build.Formats, ", "))
	cmd.Flags().StringVarP(&request.Filesystem, configurations.FlagFilesystem, "t", build.DefaultFilesystem, "Filesystem type of the root partition")
	cmd.Flags().StringVarP(&request.Size, configurations.FlagSize, "s", build.DefaultSize, "Disk size, e.g. 10G")
	cmd.Flags().StringVarP(&request.Output, "output", "o", "", "Output filename without extension")
	cmd.Flags().StringVar(&request.ExtlinuxMBR, configurations.FlagExtlinuxMBR, "", "Path to the syslinux MBR image (searched in the usual locations by default)")
	cmd.Flags().StringVar(&request.Append, configurations.FlagAppend, "", "Additional kernel command line arguments")
	cmd.Flags().StringVar(&request.WorkDir, configurations.FlagWorkDir, "", "Directory for the working disk and libguestfs cache (default current directory)")
	cmd.Flags().StringVar(&profilePath, "profile", "", "YAML or TOML file with default build options")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func newHasBootloaderCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "has-bootloader <disk>",
		Args:  cobra.ExactArgs(1),
		Short: "Check whether a disk image has a bootloader (exit 0 yes, 1 no)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := c.logger.With("command", "has-bootloader")
			gw, err := config.NewGateway(config.Options{Verbose: c.verbose, Stdout: c.stderr, Stderr: c.stderr}, cmdLogger)
			if err != nil {
				return err
			}

			found, err := config.HasBootloader(cmd.Context(), gw, args[0], cmdLogger)
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "no")
				return errNoBootloader
			}
			fmt.Fprintln(cmd.OutOrStdout(), "yes")
			return nil
		},
	}
}

func newNeedBootloaderCommand(c *cli) *cobra.Command {
	var formats []string

	cmd := &cobra.Command{
		Use:   "need-bootloader -F <fmt>...",
		Args:  cobra.ArbitraryArgs,
		Short: "Print whether any of the output formats needs a bootloader",
		RunE: func(cmd *cobra.Command, args []string) error {
			requested := append(append([]string(nil), formats...), args...)
			c.logger.Debug("checking output formats", "formats", strings.Join(requested, ","))

			needed, err := inspect.NeedsBootloader(requested)
			if err != nil {
				return err
			}
			if needed {
				fmt.Fprintln(cmd.OutOrStdout(), "yes")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no")
			}
			return nil
		},
	}

	allowed := append(append([]string(nil), inspect.ArchiveFormats...), inspect.DiskFormats...)
	cmd.Flags().StringSliceVarP(&formats, "formats", "F", nil, "Output formats. Allowed values are "+strings.Join(allowed, ", "))
	_ = cmd.MarkFlagRequired("formats")

	return cmd
}
