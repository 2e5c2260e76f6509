package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	simple "github.com/nixlet/nixlet/internal/configurations"
	"github.com/nixlet/nixlet/internal/container"
	"github.com/nixlet/nixlet/internal/logging"
	"github.com/nixlet/nixlet/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "nixlet",
		Short:         "Provision declaratively configured NixOS containers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newCreateCommand(logger),
		newConfigureCommand(logger),
		newShellCommand(logger),
		newUpdateCommand(logger),
		newDownloadCommand(logger),
		newTemplatesCommand(logger),
		newPoolsCommand(logger),
		newSetupCommand(logger),
	)
	return root
}

// wiringFlags are the flags shared by every command that talks to the
// platform or the image cache.
type wiringFlags struct {
	cacheDir      string
	templateDir   string
	connectionURI string
	bridge        string
}

func (f *wiringFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", simple.DefaultCacheDir, "Directory where base images are cached")
	cmd.Flags().StringVar(&f.templateDir, "template-dir", simple.DefaultTemplateDir, "Directory with configuration templates")
	cmd.Flags().StringVar(&f.connectionURI, "connect-uri", simple.DefaultConnectionURI, "Libvirt connection URI")
	cmd.Flags().StringVar(&f.bridge, "bridge", "", "Bridge to attach container interfaces to")
}

func (f *wiringFlags) options(logger *slog.Logger) simple.Options {
	return simple.Options{
		Logger:        logger,
		CacheDir:      f.cacheDir,
		TemplateDir:   f.templateDir,
		ConnectionURI: f.connectionURI,
		Bridge:        f.bridge,
	}
}

// sourceFlags select where the guest configuration comes from.
type sourceFlags struct {
	template  string
	flake     string
	flakePin  string
	flakeHost string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.template, "template", "", "Named configuration template to render")
	cmd.Flags().StringVar(&f.flake, "flake", "", "Flake reference to build the system from")
	cmd.Flags().StringVar(&f.flakePin, "flake-pin", "", "Revision to pin the flake reference to")
	cmd.Flags().StringVar(&f.flakeHost, "flake-host", "", "Flake output attribute; defaults to the container name")
}

func (f *sourceFlags) source() (container.Source, error) {
	if f.flake != "" && f.template != "" {
		return container.Source{}, fmt.Errorf("--flake and --template are mutually exclusive")
	}
	if f.flake != "" {
		return container.Source{Flake: &container.FlakeRef{
			URL:  f.flake,
			Pin:  f.flakePin,
			Host: f.flakeHost,
		}}, nil
	}
	return container.Source{Template: f.template}, nil
}

// secretFlags carry credentials injected into the rendered
// configuration. They never end up in logs.
type secretFlags struct {
	password    string
	sshKeysPath string
}

func (f *secretFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.password, "password", "", "Root password to set on first boot")
	cmd.Flags().StringVar(&f.sshKeysPath, "ssh-keys", "", "File with authorized SSH public keys, one per line")
}

func (f *secretFlags) secrets() (container.Secrets, error) {
	secrets := container.Secrets{Password: f.password}
	if f.sshKeysPath == "" {
		return secrets, nil
	}
	raw, err := os.ReadFile(f.sshKeysPath)
	if err != nil {
		return container.Secrets{}, fmt.Errorf("read ssh keys file: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		secrets.SSHKeys = append(secrets.SSHKeys, line)
	}
	return secrets, nil
}

func newCreateCommand(logger *slog.Logger) *cobra.Command {
	var (
		wiring  wiringFlags
		source  sourceFlags
		secrets secretFlags

		id          int
		cores       int
		memoryMB    int
		swapMB      int
		diskGB      int
		pool        string
		version     string
		address     string
		gateway     string
		privileged  bool
		nesting     bool
		startOnBoot bool
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create and start a new container",
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("container name is required")
			}

			cmdLogger := logger.With("command", "create", "name", name)
			if err := verifySetup(cmdLogger); err != nil {
				return err
			}

			network, err := parseNetworkFlags(address, gateway)
			if err != nil {
				return err
			}
			src, err := source.source()
			if err != nil {
				return err
			}
			creds, err := secrets.secrets()
			if err != nil {
				return err
			}

			spec := container.Spec{
				ID:           id,
				Name:         name,
				Cores:        cores,
				MemoryMB:     memoryMB,
				SwapMB:       swapMB,
				DiskGB:       diskGB,
				Pool:         pool,
				Network:      network,
				Unprivileged: !privileged,
				Nesting:      nesting,
				StartOnBoot:  startOnBoot,
				Tags:         tags,
				Source:       src,
				Version:      version,
			}

			handle, err := simple.Create(cmd.Context(), wiring.options(cmdLogger), spec, creds)
			if err != nil {
				cmdLogger.Error("create failed", "error", err)
				return err
			}

			cmdLogger.Info("container ready", "id", handle.ID)
			fmt.Fprintln(cmd.OutOrStdout(), handle.ID)
			return nil
		},
	}

	wiring.register(cmd)
	source.register(cmd)
	secrets.register(cmd)
	cmd.Flags().IntVar(&id, "id", 0, "Instance id; 0 picks the next free one")
	cmd.Flags().IntVar(&cores, "cores", 0, "Number of CPU cores")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Memory limit in MiB")
	cmd.Flags().IntVar(&swapMB, "swap", 0, "Swap limit in MiB")
	cmd.Flags().IntVar(&diskGB, "disk", 0, "Root filesystem size in GiB")
	cmd.Flags().StringVar(&pool, "pool", "", "Storage pool for the root filesystem")
	cmd.Flags().StringVar(&version, "version", "", "NixOS release to base the container on")
	cmd.Flags().StringVar(&address, "ip", "", "Static address in CIDR form; empty means DHCP")
	cmd.Flags().StringVar(&gateway, "gateway", "", "Gateway for static addressing")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Run without user namespace id mapping")
	cmd.Flags().BoolVar(&nesting, "nesting", false, "Allow nested containers inside the guest")
	cmd.Flags().BoolVar(&startOnBoot, "start-on-boot", false, "Start the container when the host boots")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to attach to the container; repeat to add more")

	return cmd
}

func newConfigureCommand(logger *slog.Logger) *cobra.Command {
	var (
		wiring  wiringFlags
		source  sourceFlags
		secrets secretFlags
	)

	cmd := &cobra.Command{
		Use:   "configure <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Re-render and apply configuration to an existing container",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "configure", "id", id)
			src, err := source.source()
			if err != nil {
				return err
			}
			creds, err := secrets.secrets()
			if err != nil {
				return err
			}

			if err := simple.Configure(cmd.Context(), wiring.options(cmdLogger), id, src, creds); err != nil {
				cmdLogger.Error("configure failed", "error", err)
				return err
			}
			cmdLogger.Info("configuration applied")
			return nil
		},
	}

	wiring.register(cmd)
	source.register(cmd)
	secrets.register(cmd)
	return cmd
}

func newShellCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "shell <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Attach an interactive shell to a running container",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}
			return simple.Shell(cmd.Context(), wiring.options(logger.With("command", "shell", "id", id)), id)
		},
	}

	wiring.register(cmd)
	return cmd
}

func newUpdateCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Upgrade the system inside a running container",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInstanceID(args[0])
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "update", "id", id)
			if err := simple.Update(cmd.Context(), wiring.options(cmdLogger), id); err != nil {
				cmdLogger.Error("update failed", "error", err)
				return err
			}
			cmdLogger.Info("update completed")
			return nil
		},
	}

	wiring.register(cmd)
	return cmd
}

func newDownloadCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "download [version]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Fetch a base image into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 1 {
				version = strings.TrimSpace(args[0])
			}

			cmdLogger := logger.With("command", "download")
			image, err := simple.Download(cmd.Context(), wiring.options(cmdLogger), version)
			if err != nil {
				cmdLogger.Error("download failed", "error", err)
				return err
			}
			cmdLogger.Info("image available", "version", image.Version, "path", image.Path)
			fmt.Fprintln(cmd.OutOrStdout(), image.Path)
			return nil
		},
	}

	wiring.register(cmd)
	return cmd
}

func newTemplatesCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect available configuration templates",
	}

	cmd.AddCommand(
		newTemplatesListCommand(logger),
		newTemplatesInfoCommand(logger),
	)
	return cmd
}

func newTemplatesListCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			metas, err := simple.ListTemplates(wiring.options(logger.With("command", "templates.list")))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(metas) == 0 {
				fmt.Fprintln(out, "no templates")
				return nil
			}
			for _, meta := range metas {
				fmt.Fprintf(out, "%s\t%s\n", meta.Name, meta.Description)
			}
			return nil
		},
	}

	wiring.register(cmd)
	return cmd
}

func newTemplatesInfoCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "info <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Show a template's metadata and configuration body",
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := simple.TemplateInfo(wiring.options(logger.With("command", "templates.info")), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name: %s\n", tmpl.Metadata.Name)
			if tmpl.Metadata.Description != "" {
				fmt.Fprintf(out, "description: %s\n", tmpl.Metadata.Description)
			}
			req := tmpl.Metadata.Requirements
			if req.MinCores > 0 || req.MinMemoryMB > 0 || req.MinDiskGB > 0 {
				fmt.Fprintf(out, "requirements: cores>=%d memory>=%dMiB disk>=%dGiB\n", req.MinCores, req.MinMemoryMB, req.MinDiskGB)
			}
			for name, value := range tmpl.Metadata.Variables {
				fmt.Fprintf(out, "variable: %s=%q\n", name, value)
			}
			for i, note := range tmpl.Metadata.PostInstall {
				fmt.Fprintf(out, "after install (%d): %s\n", i+1, note)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, tmpl.Body)
			return nil
		},
	}

	wiring.register(cmd)
	return cmd
}

func newPoolsCommand(logger *slog.Logger) *cobra.Command {
	var wiring wiringFlags

	cmd := &cobra.Command{
		Use:   "pools",
		Short: "List storage pools on the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			pools, err := simple.StoragePools(cmd.Context(), wiring.options(logger.With("command", "pools")))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pools) == 0 {
				fmt.Fprintln(out, "no storage pools")
				return nil
			}
			for _, pool := range pools {
				fmt.Fprintf(out, "%s\t%s\t%d MiB free\n", pool.Name, pool.Type, pool.FreeBytes/(1024*1024))
			}
			return nil
		},
	}

	wiring.register(cmd)
	return cmd
}

func newSetupCommand(logger *slog.Logger) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare host networking for container attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup")

			alreadyConfigured := setup.Verify() == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("host already configured", "hint", "use 'nixlet setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				cmdLogger.Info("clearing existing configuration")
				if err := setup.ClearConfig(); err != nil {
					cmdLogger.Error("clear configuration failed", "error", err)
					return fmt.Errorf("clear configuration: %w", err)
				}
			}

			if err := simple.Setup(cmd.Context(), simple.Options{Logger: logger}); err != nil {
				cmdLogger.Error("network initialization failed", "error", err)
				return fmt.Errorf("initialize networking: %w", err)
			}
			cfg := setup.LoadedConfig()
			cmdLogger.Info("network initialization completed", "bridge", cfg.Bridge, "gateway", cfg.GatewayCIDR)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove existing setup configuration before initializing")

	return cmd
}

func verifySetup(logger *slog.Logger) error {
	if err := setup.Verify(); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'nixlet setup' to prepare host networking")
		return err
	}
	return nil
}

func parseInstanceID(arg string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("instance id must be a positive integer, got %q", arg)
	}
	return id, nil
}

// parseNetworkFlags turns the --ip/--gateway flags into a network
// definition. An empty address means DHCP.
func parseNetworkFlags(address, gateway string) (container.Network, error) {
	address = strings.TrimSpace(address)
	gateway = strings.TrimSpace(gateway)
	if address == "" {
		if gateway != "" {
			return container.Network{}, fmt.Errorf("--gateway requires --ip")
		}
		return container.Network{Mode: container.NetworkDHCP}, nil
	}

	ip, ipNet, err := net.ParseCIDR(address)
	if err != nil {
		return container.Network{}, fmt.Errorf("parse --ip %q: %w", address, err)
	}
	if ip.To4() == nil {
		return container.Network{}, fmt.Errorf("--ip %q: only IPv4 addresses are supported", address)
	}
	prefixLen, _ := ipNet.Mask.Size()
	if gateway != "" {
		gw := net.ParseIP(gateway)
		if gw == nil {
			return container.Network{}, fmt.Errorf("parse --gateway %q: not an address", gateway)
		}
		if gw.To4() == nil {
			return container.Network{}, fmt.Errorf("--gateway %q: only IPv4 addresses are supported", gateway)
		}
	}
	return container.Network{
		Mode:      container.NetworkStatic,
		Address:   ip.String(),
		PrefixLen: prefixLen,
		Gateway:   gateway,
	}, nil
}
