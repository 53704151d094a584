package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bakerd"
	"bakerd/client"
	"bakerd/internal/logfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey    = "client.server"
	clientBundleKey    = "client.bundle"
	clientTimeoutKey   = "client.timeout"
	clientLogLevelKey  = "client.log_level"
	clientLogOutputKey = "client.log_output"

	// Exported by "bakerd lock" and consumed by "bakerd unlock" and
	// child commands. The pid plus the daemon's server name is the
	// holder identity, so a later process can release the lock.
	envLockObject   = "BAKERD_LOCK_OBJECT"
	envLockPID      = "BAKERD_LOCK_PID"
	envLockExpires  = "BAKERD_LOCK_EXPIRES_UNIX"
	envClientServer = "BAKERD_CLIENT_SERVER"

	defaultServerAddr = "127.0.0.1:4411"
)

func addClientFlags(cmd *cobra.Command) *clientCLIConfig {
	cfg := &clientCLIConfig{}
	var verbose bool

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServerAddr, "daemon address (host, host:port, or :port)")
	flags.StringP("bundle", "b", "", "path to TLS bundle PEM (default $HOME/.bakerd/"+bakerd.DefaultBundleFileName+" when present)")
	flags.Duration("timeout", client.DefaultRequestTimeout, "request timeout for client commands")
	flags.String("client-log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	flags.String("client-log-output", "", "client log output path (default stderr, - for stdout)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose (trace) client logging")

	mustBindFlag(clientServerKey, "BAKERD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientBundleKey, "BAKERD_CLIENT_BUNDLE", flags.Lookup("bundle"))
	mustBindFlag(clientTimeoutKey, "BAKERD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "BAKERD_CLIENT_LOG_LEVEL", flags.Lookup("client-log-level"))
	mustBindFlag(clientLogOutputKey, "BAKERD_CLIENT_LOG_OUTPUT", flags.Lookup("client-log-output"))

	cfg.verboseFlag = &verbose
	return cfg
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	server      string
	bundle      string
	timeout     time.Duration
	logLevel    string
	logOutput   string
	logger      pslog.Base
	logClosers  []io.Closer
	loggerReady bool
	verboseFlag *bool
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = normalizeServerAddr(viper.GetString(clientServerKey))
	c.bundle = strings.TrimSpace(viper.GetString(clientBundleKey))
	timeout := viper.GetDuration(clientTimeoutKey)
	if timeout <= 0 {
		timeout = client.DefaultRequestTimeout
	}
	c.timeout = timeout
	c.logOutput = viper.GetString(clientLogOutputKey)
	c.logLevel = strings.TrimSpace(viper.GetString(clientLogLevelKey))
	if c.verboseFlag != nil && *c.verboseFlag {
		c.logLevel = "trace"
	}
	if err := c.setupLogger(); err != nil {
		return err
	}
	c.loaded = true
	return nil
}

// resolveBundle returns the TLS bundle to dial with: the explicit
// --bundle path, else the default bundle when one exists, else empty
// for a plaintext link.
func (c *clientCLIConfig) resolveBundle() (string, error) {
	if c.bundle != "" {
		return expandPath(c.bundle)
	}
	path, err := bakerd.DefaultBundlePath()
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", nil
}

func (c *clientCLIConfig) setupLogger() error {
	if c.loggerReady {
		return nil
	}
	levelStr := strings.ToLower(strings.TrimSpace(c.logLevel))
	if levelStr == "" {
		levelStr = "none"
	}
	if levelStr == "none" || levelStr == "disabled" || levelStr == "off" {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", c.logLevel)
	}
	if level == pslog.NoLevel || level == pslog.Disabled {
		c.logger = nil
		c.loggerReady = true
		return nil
	}
	var writer io.Writer = os.Stderr
	if c.logOutput != "" {
		switch c.logOutput {
		case "-", "stdout":
			writer = os.Stdout
		case "stderr":
			writer = os.Stderr
		default:
			f, err := os.OpenFile(c.logOutput, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			c.logClosers = append(c.logClosers, f)
			writer = f
		}
	}
	c.logger = logfields.WithSubsystem(pslog.NewStructured(writer), "client.cli").LogLevel(level)
	c.loggerReady = true
	return nil
}

func (c *clientCLIConfig) cleanup() {
	for _, closer := range c.logClosers {
		_ = closer.Close()
	}
	c.logClosers = nil
	c.logger = nil
	c.loggerReady = false
	c.loaded = false
}

func (c *clientCLIConfig) client(opts ...client.Option) (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	bundle, err := c.resolveBundle()
	if err != nil {
		return nil, err
	}
	all := []client.Option{
		client.WithRequestTimeout(c.timeout),
	}
	if bundle != "" {
		all = append(all, client.WithBundle(bundle))
	}
	if c.logger != nil {
		all = append(all, client.WithLogger(c.logger))
	}
	all = append(all, opts...)
	return client.New(c.server, all...)
}

// normalizeServerAddr fills in the default host and port so --server
// accepts "host", "host:port", and ":port" alike.
func normalizeServerAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return defaultServerAddr
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strings.TrimPrefix(bakerd.DefaultListen, ":"))
}

// resolvePID picks the pid a lock command acts as: the --pid flag,
// then the environment exported by "bakerd lock", then this process.
func resolvePID(flagValue int64) (int64, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if env := strings.TrimSpace(os.Getenv(envLockPID)); env != "" {
		pid, err := strconv.ParseInt(env, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envLockPID, err)
		}
		if pid <= 0 {
			return 0, fmt.Errorf("%s: pid must be positive, got %d", envLockPID, pid)
		}
		return pid, nil
	}
	return int64(os.Getpid()), nil
}

// exitStatusError carries a child command's exit code through cobra
// so submain can propagate it without logging a spurious failure.
type exitStatusError struct {
	code int
}

func (e *exitStatusError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ", ")
}

func newLockCommand(cfg *clientCLIConfig) *cobra.Command {
	var wait time.Duration
	var hold time.Duration
	var output string

	cmd := &cobra.Command{
		Use:   "lock <object> [-- command [args...]]",
		Short: "Acquire the cluster-wide lock on an object",
		Example: `  # Acquire, export the holder identity, release later from the same shell
  eval "$(bakerd lock nightly-report --hold 10m)"
  bakerd unlock nightly-report

  # Hold the lock only for the duration of a command
  bakerd lock nightly-report --hold 1h -- ./report.sh`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			object := strings.TrimSpace(args[0])
			if object == "" {
				return fmt.Errorf("object is required")
			}
			dashAt := cmd.ArgsLenAtDash()
			var childArgs []string
			switch {
			case dashAt < 0:
				if len(args) > 1 {
					return fmt.Errorf("unexpected arguments %q (put a command after --)", args[1:])
				}
			case dashAt != 1:
				return fmt.Errorf("exactly one object must precede --")
			default:
				childArgs = args[1:]
				if len(childArgs) == 0 {
					return fmt.Errorf("no command after --")
				}
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			var opts []client.LockOption
			if wait > 0 {
				opts = append(opts, client.WithWait(wait))
			}
			if hold > 0 {
				opts = append(opts, client.WithHold(hold))
			}
			grant, err := cli.Lock(cmd.Context(), object, opts...)
			if err != nil {
				return err
			}
			if childArgs == nil {
				switch outputMode(strings.ToLower(output)) {
				case outputJSON:
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"object":       grant.Object,
						"pid":          cli.PID(),
						"server":       cfg.server,
						"expires_unix": grant.Expires.Unix(),
					})
				default:
					out := cmd.OutOrStdout()
					exports := []struct{ name, value string }{
						{name: envLockObject, value: grant.Object},
						{name: envLockPID, value: strconv.FormatInt(cli.PID(), 10)},
						{name: envLockExpires, value: strconv.FormatInt(grant.Expires.Unix(), 10)},
						{name: envClientServer, value: cfg.server},
					}
					for _, e := range exports {
						fmt.Fprintf(out, "export %s=%q\n", e.name, e.value)
					}
				}
				return nil
			}

			code, runErr := runChild(cmd, childArgs, grant, cli.PID(), cfg.server)
			if time.Now().After(grant.Expires) {
				fmt.Fprintf(cmd.ErrOrStderr(), "lock on %q expired %s, before the command finished\n",
					object, humanize.Time(grant.Expires))
			}
			unlockCtx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
			defer cancel()
			if err := cli.Unlock(unlockCtx, object); err != nil {
				var failure *client.Failure
				expired := errors.As(err, &failure) &&
					(failure.Code == client.FailureNotLocked || failure.Code == client.FailureTimedOut)
				if !expired {
					fmt.Fprintf(cmd.ErrOrStderr(), "unlock %s: %s\n", object, err)
				}
			}
			if runErr != nil {
				return runErr
			}
			if code != 0 {
				return &exitStatusError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to queue behind the current holder (0 = daemon default)")
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long the grant lasts before the daemon reclaims it (0 = daemon default)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

// runChild executes argv with stdio passed through and the lock
// identity in the environment. Exit codes come back as the int;
// failures to start come back as the error.
func runChild(cmd *cobra.Command, argv []string, grant *client.Grant, pid int64, server string) (int, error) {
	child := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = append(os.Environ(),
		envLockObject+"="+grant.Object,
		envLockPID+"="+strconv.FormatInt(pid, 10),
		envLockExpires+"="+strconv.FormatInt(grant.Expires.Unix(), 10),
		envClientServer+"="+server,
	)
	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return 0, nil
}

func newUnlockCommand(cfg *clientCLIConfig) *cobra.Command {
	var pidFlag int64
	var output string
	cmd := &cobra.Command{
		Use:   "unlock <object>",
		Short: "Release a previously acquired lock",
		Example: `  # Release a lock acquired by an eval'd "bakerd lock"
  bakerd unlock nightly-report`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			object := strings.TrimSpace(args[0])
			if object == "" {
				return fmt.Errorf("object is required")
			}
			pid, err := resolvePID(pidFlag)
			if err != nil {
				return err
			}
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client(client.WithPID(pid))
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.Unlock(cmd.Context(), object); err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), map[string]any{"object": object, "unlocked": true})
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", object)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&pidFlag, "pid", 0, "holder pid (default "+envLockPID+" from the environment, then this process)")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show a daemon's status report",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			st, err := cli.Status(cmd.Context())
			if err != nil {
				return err
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"server":      st.Server,
					"version":     st.Version,
					"uptime_secs": int64(st.Uptime / time.Second),
					"pid":         st.PID,
					"connections": st.Connections,
					"services":    st.Services,
					"peers":       st.Peers,
					"roster":      st.Roster,
					"quorum":      st.Quorum,
					"tickets":     st.Tickets,
				})
			default:
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "server: %s\n", st.Server)
				if st.Version != "" {
					fmt.Fprintf(out, "version: %s\n", st.Version)
				}
				fmt.Fprintf(out, "uptime: %s (up since %s)\n", st.Uptime, humanize.Time(time.Now().Add(-st.Uptime)))
				fmt.Fprintf(out, "pid: %d\n", st.PID)
				fmt.Fprintf(out, "connections: %d\n", st.Connections)
				fmt.Fprintf(out, "services: %s\n", joinOrDash(st.Services))
				fmt.Fprintf(out, "peers: %s\n", joinOrDash(st.Peers))
				fmt.Fprintf(out, "roster: %s\n", joinOrDash(st.Roster))
				fmt.Fprintf(out, "quorum: %d of %d\n", st.Quorum, len(st.Roster))
				fmt.Fprintf(out, "tickets: %d\n", st.Tickets)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTicketsCommand(cfg *clientCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "tickets",
		Short:         "List the coordinator's ticket table",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			tickets, err := cli.Tickets(cmd.Context())
			if err != nil {
				return err
			}
			if len(tickets) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no tickets")
				return nil
			}
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				summaries := make([]map[string]any, 0, len(tickets))
				for _, t := range tickets {
					summaries = append(summaries, map[string]any{
						"object":        t.Object,
						"key":           t.Key,
						"server":        t.Server,
						"pid":           t.PID,
						"state":         t.State,
						"deadline_unix": t.Deadline.Unix(),
					})
				}
				return writeJSON(cmd.OutOrStdout(), summaries)
			default:
				out := cmd.OutOrStdout()
				for _, t := range tickets {
					fmt.Fprintf(out, "object=%s key=%s state=%s owner=%s/%d deadline=%s (%s)\n",
						t.Object, t.Key, t.State, t.Server, t.PID,
						t.Deadline.UTC().Format(time.RFC3339), humanize.Time(t.Deadline))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newPingCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ping",
		Short:         "Measure a round trip through a daemon's hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			rtt, err := cli.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", cli.Server(), rtt.Round(time.Microsecond))
			return nil
		},
	}
	return cmd
}

func newStopCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Ask a daemon to shut down",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			defer cfg.cleanup()
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			defer cli.Close()
			if err := cli.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is shutting down\n", cli.Server())
			return nil
		},
	}
	return cmd
}
