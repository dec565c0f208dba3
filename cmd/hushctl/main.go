// Command hushctl is the operator tool for a hush deployment. It runs
// entirely locally: generating the vault passphrase, deriving the
// stored hash, and writing the initial server configuration. The
// server never sees any of these secrets except the hash.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thefeshin/hush-sub000/internal/config"
	"github.com/thefeshin/hush-sub000/internal/passphrase"
	"github.com/thefeshin/hush-sub000/internal/vault"
	"gopkg.in/yaml.v3"
)

func main() {
	root := &cobra.Command{
		Use:           "hushctl",
		Short:         "Operator tool for a hush vault deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(initCmd(), hashCmd(), deriveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initCmd generates a fresh deployment: passphrase words, KDF salt,
// passphrase hash, and session secret, written into a server config.
func initCmd() *cobra.Command {
	var out string
	var listen string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a passphrase and write a new server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", out)
			}

			words, err := passphrase.GenerateWords(passphrase.WordCount)
			if err != nil {
				return fmt.Errorf("failed to generate passphrase: %w", err)
			}
			phrase := strings.Join(words, " ")

			salt, err := passphrase.GenerateSalt(16)
			if err != nil {
				return fmt.Errorf("failed to generate salt: %w", err)
			}

			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return fmt.Errorf("failed to generate session secret: %w", err)
			}

			cfg := config.DefaultConfig()
			cfg.Listen = listen
			cfg.Auth.Hash = passphrase.Hash(phrase)
			cfg.Auth.KDFSalt = salt
			cfg.Auth.SessionSecret = base64.StdEncoding.EncodeToString(secret)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n\n", out)
			fmt.Println("Vault passphrase (write it down, it is shown exactly once):")
			fmt.Printf("\n    %s\n\n", phrase)
			fmt.Println("Anyone with these words can decrypt the vault. The server")
			fmt.Println("cannot recover them for you.")
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "hush.yaml", "Path for the generated configuration")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8420", "Listen address to configure")
	return cmd
}

// hashCmd prints the authentication hash for a passphrase, for
// rotating the configured hash by hand.
func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <passphrase>",
		Short: "Print the authentication hash of a passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(passphrase.Hash(args[0]))
			return nil
		},
	}
}

// deriveCmd derives the vault key locally, for recovery tooling and
// offline decryption. The key is printed to stdout and never leaves
// the machine.
func deriveCmd() *cobra.Command {
	var saltB64 string

	cmd := &cobra.Command{
		Use:   "derive <passphrase>",
		Short: "Derive the vault key from a passphrase and salt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt, err := base64.StdEncoding.DecodeString(saltB64)
			if err != nil {
				return fmt.Errorf("invalid salt: %w", err)
			}
			if len(salt) == 0 {
				return fmt.Errorf("salt is required")
			}

			key, err := vault.DeriveVaultKey(args[0], salt)
			if err != nil {
				return fmt.Errorf("failed to derive vault key: %w", err)
			}
			defer key.Zero()

			raw, err := key.Bytes()
			if err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}

	cmd.Flags().StringVar(&saltB64, "salt", "", "Base64 KDF salt from the server configuration")
	_ = cmd.MarkFlagRequired("salt")
	return cmd
}
