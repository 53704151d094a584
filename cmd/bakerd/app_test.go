package main

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"bakerd"
	"pkt.systems/pslog"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--listen", ":5511"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "global client shorthand with value", args: []string{"-b", "/tmp/bundle.pem"}, want: true},
		{name: "subcommand", args: []string{"status"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "status"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "config", "show"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "lock", "thing"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestSubmainInvalidFlagLikeTokenBeforeSubcommand(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"bakerd", "-z", "config", "show"}

	stderr := captureStderr(t, func() {
		exitCode := submain(context.Background())
		if exitCode != 1 {
			t.Fatalf("submain() exitCode=%d want 1", exitCode)
		}
	})
	if !strings.Contains(stderr, `unknown command "show" for "bakerd"`) {
		t.Fatalf("expected parser failure routed to stderr, got %q", stderr)
	}
}

func TestRootHasGlobalClientShorthands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if flag := root.PersistentFlags().ShorthandLookup("v"); flag == nil || flag.Name != "verbose" {
		t.Fatalf("expected global -v shorthand for --verbose, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("b"); flag == nil || flag.Name != "bundle" {
		t.Fatalf("expected global -b shorthand for --bundle, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("s"); flag == nil || flag.Name != "server" {
		t.Fatalf("expected global -s shorthand for --server, got %#v", flag)
	}
}

func TestListenFlagIsRootOnly(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if flag := root.Flags().Lookup("listen"); flag == nil {
		t.Fatalf("expected --listen on root local flags")
	}
	if flag := root.PersistentFlags().Lookup("listen"); flag != nil {
		t.Fatalf("expected --listen to not be persistent, got %#v", flag)
	}
}

func TestSplitPeers(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "single", in: []string{"beta:4411"}, want: "beta:4411"},
		{name: "comma separated", in: []string{"beta:4411,gamma:4411"}, want: "beta:4411|gamma:4411"},
		{name: "repeated flag", in: []string{"beta:4411", "gamma:4411"}, want: "beta:4411|gamma:4411"},
		{name: "whitespace and empties", in: []string{" beta:4411 ", "", " , "}, want: "beta:4411"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := strings.Join(splitPeers(tc.in), "|")
			if got != tc.want {
				t.Fatalf("splitPeers(%v)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBindConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg bakerd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != bakerd.DefaultListen {
		t.Fatalf("expected default listen %q, got %q", bakerd.DefaultListen, cfg.Listen)
	}
	if cfg.ReconnectPause != bakerd.DefaultReconnectPause {
		t.Fatalf("expected default reconnect pause %s, got %s", bakerd.DefaultReconnectPause, cfg.ReconnectPause)
	}
	if cfg.EventLimit != bakerd.DefaultEventLimit {
		t.Fatalf("expected default event limit %d, got %d", bakerd.DefaultEventLimit, cfg.EventLimit)
	}
	if cfg.GuardEnabled {
		t.Fatalf("expected connection guard off by default")
	}
	if cfg.LogLevel != bakerd.DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", bakerd.DefaultLogLevel, cfg.LogLevel)
	}
}

func TestBindConfigReadsEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("BAKERD_LISTEN", ":5511")
	t.Setenv("BAKERD_PEER", "beta:4411,gamma:4411")
	t.Setenv("BAKERD_GUARD_ENABLED", "true")
	t.Setenv("BAKERD_MAX_DURATION", "2h")
	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg bakerd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != ":5511" {
		t.Fatalf("expected listen from environment, got %q", cfg.Listen)
	}
	if got := strings.Join(cfg.Peers, "|"); got != "beta:4411|gamma:4411" {
		t.Fatalf("expected peers split from environment, got %q", got)
	}
	if !cfg.GuardEnabled {
		t.Fatalf("expected guard enabled from environment")
	}
	if cfg.MaximumDuration != 2*time.Hour {
		t.Fatalf("expected max duration 2h, got %s", cfg.MaximumDuration)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	os.Stderr = w
	defer func() {
		os.Stderr = orig
	}()

	done := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		done <- string(data)
	}()

	fn()
	_ = w.Close()
	return <-done
}
