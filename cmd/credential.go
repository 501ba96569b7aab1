package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-archive/credential"
)

func NewCredentialCommand() *cobra.Command {
	var host, user string

	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password stored in the system keyring",
	}
	cmd.PersistentFlags().StringVar(&host, "imap-host", "", "IMAP server hostname")
	cmd.PersistentFlags().StringVar(&user, "imap-user", "", "IMAP username")
	_ = cmd.MarkPersistentFlagRequired("imap-host")
	_ = cmd.MarkPersistentFlagRequired("imap-user")

	set := &cobra.Command{
		Use:   "set",
		Short: "Read a password from stdin and store it in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			store, err := credential.Open()
			if err != nil {
				return err
			}
			if err := store.Set(credential.Key(user, host), password); err != nil {
				return err
			}
			pterm.Success.Printf("Stored password for %s\n", credential.Key(user, host))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := credential.Open()
			if err != nil {
				return err
			}
			return store.Delete(credential.Key(user, host))
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	return password, nil
}
