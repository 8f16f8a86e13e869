package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	config "github.com/cochaviz/bsdimg/config"
	"github.com/cochaviz/bsdimg/arch"
	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/setup"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	app := &app{levelVar: &levelVar, logger: logging.NewCLI(os.Stderr, &levelVar)}
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries the state shared by all commands.
type app struct {
	levelVar  *slog.LevelVar
	logger    *slog.Logger
	logFormat string
	mode      logging.Mode
	verbosity int
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "bsdimg",
		Short:         "Build bootable NetBSD disk images from the release sets",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().CountVarP(&a.verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		mode, err := logging.ParseMode(a.logFormat)
		if err != nil {
			return err
		}
		a.mode = mode
		a.levelVar.Set(logging.LevelForVerbosity(a.verbosity))
		a.logger = logging.New(mode, os.Stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newBuildCommand(a),
		newSetsCommand(a),
		newImagesCommand(a),
		newTeardownCommand(a),
	)
	return root
}

// configFlags are the flags every command that needs a BuildConfig accepts.
type configFlags struct {
	buildDir   string
	configFile string
	release    string
	arch       string
	setsDir    string
	output     string
	sudo       bool
}

func (f *configFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.buildDir, "build-dir", config.DefaultBuildDir, "Directory for downloads, boot code and the image")
	flags.StringVar(&f.configFile, "config", "", "YAML file with build settings (default "+setup.ConfigFile+" when present)")
	flags.StringVar(&f.release, "release", "", "NetBSD release, e.g. 10.1")
	flags.StringVar(&f.arch, "arch", "", "Port to build ("+fmt.Sprint(arch.Supported())+")")
	flags.StringVar(&f.setsDir, "sets-dir", "", "Directory holding pre-staged distribution sets")
	flags.StringVar(&f.output, "output", "", "Path of the image to create")
	flags.BoolVar(&f.sudo, "sudo", false, "Run host tools through sudo")
}

// options turns the flags the user actually set into configuration
// overrides, so values from the YAML file are not reset to flag defaults.
func (f *configFlags) options(flags *pflag.FlagSet) build.ConfigOption {
	return func(cfg *build.BuildConfig) error {
		if flags.Changed("release") {
			cfg.Release = f.release
		}
		if flags.Changed("arch") {
			port, err := arch.Parse(f.arch)
			if err != nil {
				return &build.ConfigError{Field: "arch", Message: err.Error()}
			}
			cfg.Arch = port
		}
		if flags.Changed("sets-dir") {
			cfg.SetsDir = f.setsDir
		}
		if flags.Changed("output") {
			cfg.OutputPath = f.output
		}
		if flags.Changed("sudo") {
			cfg.Sudo = f.sudo
		}
		return nil
	}
}

func (f *configFlags) resolve(flags *pflag.FlagSet, extra ...build.ConfigOption) (build.BuildConfig, error) {
	return config.Resolve(f.buildDir, f.configFile, append([]build.ConfigOption{f.options(flags)}, extra...)...)
}

func newBuildCommand(a *app) *cobra.Command {
	var (
		common      configFlags
		noVerify    bool
		forceFetch  bool
		setsISO     string
		keyring     string
		baseURL     string
		hostname    string
		imageDir    string
		publishPool string
		connectURI  string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Build a bootable NetBSD disk image",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cfg, err := common.resolve(flags, func(cfg *build.BuildConfig) error {
				if noVerify {
					cfg.Verify = false
				}
				if flags.Changed("force-fetch") {
					cfg.ForceFetch = forceFetch
				}
				if flags.Changed("sets-iso") {
					cfg.SetsISO = setsISO
				}
				if flags.Changed("keyring") {
					cfg.KeyringPath = keyring
				}
				if flags.Changed("base-url") {
					cfg.BaseURL = baseURL
				}
				if flags.Changed("hostname") {
					cfg.Hostname = hostname
				}
				cfg.Verbosity = a.verbosity
				return nil
			})
			if err != nil {
				return err
			}

			cmdLogger := a.logger.With("command", "build")
			cmdLogger.Info("starting build", "release", cfg.Release, "arch", cfg.Arch, "build_dir", cfg.BuildDir, "output", cfg.OutputPath)

			var progress io.Writer
			if a.mode == logging.ModeCLI {
				progress = os.Stderr
			}
			output, err := config.BuildImage(cmd.Context(), cfg, config.BuildOptions{
				ImageDir:    imageDir,
				PublishPool: publishPool,
				ConnectURI:  connectURI,
			}, config.Environment{Logger: a.logger, Progress: progress})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\n", output.ImagePath, humanize.IBytes(uint64(output.Size)))
			fmt.Fprintf(out, "sha512\t%s\n", output.Digest)
			return nil
		},
	}

	flags := cmd.Flags()
	common.register(flags)
	flags.BoolVar(&noVerify, "no-verify", false, "Skip signature and checksum verification of the sets")
	flags.BoolVar(&forceFetch, "force-fetch", false, "Retrieve every set again even when present")
	flags.StringVar(&setsISO, "sets-iso", "", "Release ISO to take the sets from")
	flags.StringVar(&keyring, "keyring", "", "OpenPGP keyring that signs the release hashes")
	flags.StringVar(&baseURL, "base-url", build.DefaultBaseURL, "Distribution mirror")
	flags.StringVar(&hostname, "hostname", build.DefaultHostname, "Hostname written to rc.conf")
	flags.StringVar(&imageDir, "image-dir", config.DefaultImageDir, "Directory where image records are stored")
	flags.StringVar(&publishPool, "publish-pool", "", "Upload the finished image into this libvirt storage pool")
	flags.StringVar(&connectURI, "connect-uri", config.DefaultConnectionURI, "Libvirt connection URI")

	return cmd
}

func newSetsCommand(a *app) *cobra.Command {
	var common configFlags

	cmd := &cobra.Command{
		Use:   "sets",
		Args:  cobra.NoArgs,
		Short: "List the distribution sets of a port and whether they are available locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.resolve(cmd.Flags())
			if err != nil {
				return err
			}

			statuses, err := config.ListSets(cfg, afero.NewOsFs())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Set", "Archive", "Location"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, status := range statuses {
				location := status.Path
				if location == "" {
					location = "-"
				}
				table.Append([]string{status.Name, status.Archive, location})
			}
			table.Render()

			a.logger.Debug("listed sets", "count", len(statuses), "arch", cfg.Arch)
			return nil
		},
	}
	common.register(cmd.Flags())
	return cmd
}

func newImagesCommand(a *app) *cobra.Command {
	var imageDir string

	cmd := &cobra.Command{
		Use:   "images",
		Args:  cobra.NoArgs,
		Short: "List the images built on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := config.ListImages(imageDir, afero.NewOsFs())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				a.logger.Warn("no images recorded", "image_dir", imageDir)
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Release", "Arch", "Size", "Verified", "Built", "Path"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, record := range records {
				table.Append([]string{
					record.ID,
					record.Release,
					record.Arch.String(),
					humanize.IBytes(uint64(record.Size)),
					fmt.Sprint(record.Verified),
					humanize.Time(record.CreatedAt),
					record.Path,
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&imageDir, "image-dir", config.DefaultImageDir, "Directory where image records are stored")
	return cmd
}

func newTeardownCommand(a *app) *cobra.Command {
	var common configFlags

	cmd := &cobra.Command{
		Use:   "teardown",
		Args:  cobra.NoArgs,
		Short: "Unmount and unbind what an interrupted build left behind",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			cmdLogger := a.logger.With("command", "teardown")
			cmdLogger.Info("releasing build resources", "device", cfg.Device, "mount_point", cfg.MountPoint)

			// Teardown must finish even when the operator interrupts it.
			ctx := context.WithoutCancel(cmd.Context())
			if err := config.Teardown(ctx, cfg, config.Environment{Logger: a.logger}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s released\n", cfg.Device)
			return nil
		},
	}
	common.register(cmd.Flags())
	return cmd
}
