package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/config"
)

const defaultConfigPath = "edgekvd.toml"

var errPasswordMismatch = errors.New("passwords do not match")

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "edgekvd",
		Short:         "Line-protocol key/value and pub/sub daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "daemon config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon until SIGINT or SIGTERM",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		newCheckConfigCmd(&configPath),
		newHashPasswordCmd(),
		newInitConfigCmd(),
	)
	return root
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	var checkAccounts bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the daemon config and, optionally, its accounts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: name=%s mode=%s listeners=%d storage=%s\n",
				cfg.Name, cfg.SecurityMode, len(cfg.Listeners), cfg.Storage.Backend)
			for _, l := range cfg.Listeners {
				fmt.Fprintf(out, "  listener %s addr=%s tls=%t mutual=%t compress=%t\n",
					l.Name, l.Addr, l.TLS.Enabled, l.TLS.Mutual, l.Compress)
			}
			if !checkAccounts {
				return nil
			}
			accts, err := auth.LoadAccounts(cfg.Auth.AccountsFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "accounts ok: %d (%s)\n", accts.Len(), strings.Join(accts.Names(), ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkAccounts, "accounts", true, "also load the accounts file")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password and print its bcrypt hash for accounts.toml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(pw, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// readPassword prompts twice on a terminal and reads one line otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		fmt.Fprint(prompt, "Confirm: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errPasswordMismatch
		}
		return string(first), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newInitConfigCmd() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a commented config or accounts template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := output
			if target == "" {
				switch kind {
				case "accounts":
					target = "accounts.toml"
				default:
					target = defaultConfigPath
				}
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "daemon", "template kind: daemon|accounts")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
