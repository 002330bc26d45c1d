package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/wellrelay/credential"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type loginFlags struct {
	endpoint string
	username string
	timeout  time.Duration
}

func newLoginCmd() *cobra.Command {
	var f loginFlags
	c := &cobra.Command{
		Use:     "login",
		Short:   "Check credentials against a consumer endpoint",
		Example: "wellrelay login --endpoint https://consumer:443 --username relay",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.endpoint == "" || f.username == "" {
				return fmt.Errorf("--endpoint and --username are required")
			}
			cmd.SilenceUsage = true
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			return login(ctx, cmd.OutOrStdout(), f.endpoint, f.username, password)
		},
	}
	c.Flags().StringVarP(&f.endpoint, "endpoint", "e", "", "consumer base URL, e.g. https://host:443")
	c.Flags().StringVarP(&f.username, "username", "u", "", "login username")
	c.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	return c
}

// readPassword prompts on a terminal without echo, otherwise reads one line.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func login(ctx context.Context, out io.Writer, endpoint, username, password string) error {
	b := credential.NewBroker(credential.Options{
		Endpoint: endpoint,
		Username: username,
		Password: password,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	token, err := b.Login(ctx)
	if err != nil {
		return fmt.Errorf("login to %s failed: %w", endpoint, err)
	}
	shown := token
	if len(shown) > 8 {
		shown = shown[:8] + "..."
	}
	fmt.Fprintf(out, "Login succeeded, token %s\n", shown)
	return nil
}
