package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bakerd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bakerd configuration files",
	}
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration after flag, env and file merging",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg bakerd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			view := viewFromConfig(cfg)
			out, err := yaml.Marshal(&view)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.bakerd/" + bakerd.DefaultConfigFileName
	if dir, err := bakerd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, bakerd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default bakerd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := bakerd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, bakerd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configView is the YAML rendering of a daemon config. Keys match the
// flag names so a generated file feeds straight back through viper.
type configView struct {
	ServerName            string   `yaml:"server-name"`
	Listen                string   `yaml:"listen"`
	ControlListen         string   `yaml:"control-listen"`
	Peers                 []string `yaml:"peer"`
	ReconnectPause        string   `yaml:"reconnect-pause"`
	DefaultTimeout        string   `yaml:"default-timeout"`
	MinimumTimeout        string   `yaml:"min-timeout"`
	MaximumTimeout        string   `yaml:"max-timeout"`
	DefaultDuration       string   `yaml:"default-duration"`
	MaximumDuration       string   `yaml:"max-duration"`
	CleanupInterval       string   `yaml:"cleanup-interval"`
	RunTimeout            string   `yaml:"run-timeout"`
	EventLimit            int      `yaml:"event-limit"`
	MetricsListen         string   `yaml:"metrics-listen"`
	PprofListen           string   `yaml:"pprof-listen"`
	Bundle                string   `yaml:"bundle"`
	GuardEnabled          bool     `yaml:"guard-enabled"`
	GuardFailureThreshold int      `yaml:"guard-failure-threshold"`
	GuardFailureWindow    string   `yaml:"guard-failure-window"`
	GuardBlockDuration    string   `yaml:"guard-block-duration"`
	LogLevel              string   `yaml:"log-level"`
}

func viewFromConfig(cfg bakerd.Config) configView {
	return configView{
		ServerName:            cfg.ServerName,
		Listen:                cfg.Listen,
		ControlListen:         cfg.ControlListen,
		Peers:                 cfg.Peers,
		ReconnectPause:        cfg.ReconnectPause.String(),
		DefaultTimeout:        cfg.DefaultTimeout.String(),
		MinimumTimeout:        cfg.MinimumTimeout.String(),
		MaximumTimeout:        cfg.MaximumTimeout.String(),
		DefaultDuration:       cfg.DefaultDuration.String(),
		MaximumDuration:       cfg.MaximumDuration.String(),
		CleanupInterval:       cfg.CleanupInterval.String(),
		RunTimeout:            cfg.RunTimeout.String(),
		EventLimit:            cfg.EventLimit,
		MetricsListen:         cfg.MetricsListen,
		PprofListen:           cfg.PprofListen,
		Bundle:                cfg.BundlePath,
		GuardEnabled:          cfg.GuardEnabled,
		GuardFailureThreshold: cfg.GuardFailureThreshold,
		GuardFailureWindow:    cfg.GuardFailureWindow.String(),
		GuardBlockDuration:    cfg.GuardBlockDuration.String(),
		LogLevel:              cfg.LogLevel,
	}
}

// defaultConfigYAML renders the generated config file. ServerName is
// left empty so each daemon falls back to its hostname, and the
// connection guard is switched on for installed daemons.
func defaultConfigYAML(overrides ...func(*configView)) ([]byte, error) {
	defaults := configView{
		ServerName:            "",
		Listen:                bakerd.DefaultListen,
		ControlListen:         bakerd.DefaultControlListen,
		Peers:                 nil,
		ReconnectPause:        bakerd.DefaultReconnectPause.String(),
		DefaultTimeout:        bakerd.DefaultDefaultTimeout.String(),
		MinimumTimeout:        bakerd.DefaultMinimumTimeout.String(),
		MaximumTimeout:        bakerd.DefaultMaximumTimeout.String(),
		DefaultDuration:       bakerd.DefaultDefaultDuration.String(),
		MaximumDuration:       bakerd.DefaultMaximumDuration.String(),
		CleanupInterval:       bakerd.DefaultCleanupInterval.String(),
		RunTimeout:            bakerd.DefaultRunTimeout.String(),
		EventLimit:            bakerd.DefaultEventLimit,
		MetricsListen:         bakerd.DefaultMetricsListen,
		PprofListen:           bakerd.DefaultPprofListen,
		Bundle:                "",
		GuardEnabled:          true,
		GuardFailureThreshold: bakerd.DefaultGuardFailureThreshold,
		GuardFailureWindow:    bakerd.DefaultGuardFailureWindow.String(),
		GuardBlockDuration:    bakerd.DefaultGuardBlockDuration.String(),
		LogLevel:              bakerd.DefaultLogLevel,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
