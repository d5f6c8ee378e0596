package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/crypto"
)

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage the protocol signing key"}
	keys.AddCommand(keysEncryptCmd())
	keys.AddCommand(keysAddressCmd())
	return keys
}

func keysEncryptCmd() *cobra.Command {
	var out, passwordEnv string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a hex private key read from stdin into a key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv(passwordEnv)
			if password == "" {
				return fmt.Errorf("%s is empty", passwordEnv)
			}
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read private key: %w", err)
			}
			sealed, err := crypto.EncryptKey(strings.TrimSpace(line), password)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(append(sealed, '\n'))
				return err
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(out, sealed, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "key file to write (stdout when empty)")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "MODULEND_KEY_PASSWORD", "environment variable holding the key password")
	return cmd
}

func keysAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the address of the configured wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			signer, err := walletSigner(cfg)
			if err != nil {
				return err
			}
			fmt.Println(signer.Address().Hex())
			return nil
		},
	}
}
