package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bakerd"
	"bakerd/internal/tlsutil"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "auth",
		Short:        "Manage bakerd TLS bundles",
		SilenceUsage: true,
	}
	cmd.AddCommand(newAuthInitCommand())
	cmd.AddCommand(newAuthInspectCommand())
	return cmd
}

func newAuthInitCommand() *cobra.Command {
	var dir string
	var cn string
	var hosts string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a self-signed TLS bundle for a cluster",
		Long: `Generates a CA plus a leaf certificate and writes both, with their
keys, to one combined PEM bundle. Every daemon and client in the
cluster uses the same bundle, for peer links and client links alike.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				resolved, err := bakerd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = resolved
			}
			expanded, err := expandPath(dir)
			if err != nil {
				return fmt.Errorf("expand --dir: %w", err)
			}
			out := filepath.Join(expanded, bakerd.DefaultBundleFileName)

			var hostList []string
			for _, h := range strings.Split(hosts, ",") {
				if h = strings.TrimSpace(h); h != "" {
					hostList = append(hostList, h)
				}
			}
			data, err := tlsutil.GenerateBundle(cn, hostList)
			if err != nil {
				return err
			}
			if err := writeFile(out, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle written to %s\n", out)
			fmt.Fprintf(cmd.OutOrStdout(), "distribute this bundle to every daemon and client in the cluster\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to write the bundle into (default $HOME/.bakerd)")
	cmd.Flags().StringVar(&cn, "cn", "bakerd", "leaf certificate common name")
	cmd.Flags().StringVar(&hosts, "hosts", "*", "comma-separated hosts/IPs for the leaf certificate")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing bundle")
	return cmd
}

func newAuthInspectCommand() *cobra.Command {
	var inputs []string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Display information about TLS bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := inputs
			if len(targets) == 0 {
				if path, err := bakerd.DefaultBundlePath(); err == nil {
					if _, err := os.Stat(path); err == nil {
						targets = []string{path}
					}
				}
			}
			if len(targets) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No bundles found.\n")
				return nil
			}
			for _, path := range targets {
				if err := inspectBundle(cmd, path); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&inputs, "in", nil, "path(s) to bundle PEM (default $HOME/.bakerd/"+bakerd.DefaultBundleFileName+")")
	return cmd
}

func inspectBundle(cmd *cobra.Command, path string) error {
	bundle, err := tlsutil.LoadBundle(path)
	if err != nil {
		return fmt.Errorf("load bundle %s: %w", path, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Bundle: %s\n", path)
	if ca := bundle.CACert; ca != nil {
		fmt.Fprintf(out, "  CA: %s\n", ca.Subject.String())
		fmt.Fprintf(out, "    Serial: %s\n", ca.SerialNumber.Text(16))
		fmt.Fprintf(out, "    Expires: %s\n", ca.NotAfter.Format(time.RFC3339))
	}
	if leaf := bundle.Leaf; leaf != nil {
		fmt.Fprintf(out, "  Leaf: %s\n", leaf.Subject.String())
		fmt.Fprintf(out, "    Serial: %s\n", leaf.SerialNumber.Text(16))
		fmt.Fprintf(out, "    Expires: %s\n", leaf.NotAfter.Format(time.RFC3339))
		if len(leaf.DNSNames) > 0 {
			fmt.Fprintf(out, "    DNS: %s\n", strings.Join(leaf.DNSNames, ", "))
		}
		if len(leaf.IPAddresses) > 0 {
			var ips []string
			for _, ip := range leaf.IPAddresses {
				ips = append(ips, ip.String())
			}
			fmt.Fprintf(out, "    IPs: %s\n", strings.Join(ips, ", "))
		}
	}
	if bundle.CAKey != nil {
		fmt.Fprintf(out, "  CA key: present (bundle can issue further certificates)\n")
	} else {
		fmt.Fprintf(out, "  CA key: absent\n")
	}
	return nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func writeFile(path string, data []byte, force bool) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force)", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
