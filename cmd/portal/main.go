// Package main provides the CLI entry point for portal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/portal/internal/config"
	"github.com/postalsys/portal/internal/prompt"
	"github.com/postalsys/portal/internal/socks"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal",
		Short: "portal - TCP forwarding over a hole-punched encrypted tunnel",
		Long: `portal connects two machines with an encrypted, multiplexed tunnel and
forwards TCP traffic through it, like SSH -L, -R and -D.

The tunnel is set up either directly (one side listens, the other
connects) or by UDP hole punching when neither side is reachable: both
operators exchange connection codes out of band and the peers find a
path through their NATs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(punchCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func listenCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "listen [address]",
		Short: "Wait for a peer to connect",
		Long: `Listen for one peer on address (default ":5995") and serve the tunnel
until either side closes it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModeListen, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, (*runner).listen)
		},
	}

	opts.register(cmd)
	return cmd
}

func connectCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "connect <address>",
		Short: "Connect to a listening peer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModeConnect, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, (*runner).connect)
		},
	}

	opts.register(cmd)
	return cmd
}

func punchCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "punch",
		Short: "Hole punch to a peer using connection codes",
		Long: `Print this side's connection code, read the peer's code and punch a
UDP path to the peer. Both sides run "portal punch" and exchange codes
out of band. The peer code can be passed with --code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, config.ModePunch, args)
			if err != nil {
				return err
			}
			p := prompt.New(cmd.InOrStdin(), cmd.OutOrStdout())
			return run(cmd.Context(), cfg, func(r *runner, ctx context.Context) error {
				return r.punch(ctx, p)
			})
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.code, "code", "", "Peer connection code (prompted for when empty)")
	cmd.Flags().StringArrayVar(&opts.candidates, "candidate", nil, "Extra address to advertise, ip[:port], ahead of the interface addresses")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Generate a bcrypt hash for a SOCKS password",
		Long: `Generate a bcrypt hash that can be used as a socks.users password in the
configuration file instead of the plaintext password.

The password is read from the terminal when not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				var err error
				password, err = readPassword(cmd)
				if err != nil {
					return err
				}
			}

			hash, err := socks.HashPassword(password)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if in := cmd.InOrStdin(); in != os.Stdin || !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", fmt.Errorf("no password on stdin")
		}
		return line, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}
	return string(first), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portal %s\n", Version)
		},
	}
}
