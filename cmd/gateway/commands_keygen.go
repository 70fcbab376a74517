package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/auth"
)

func buildKeygenCmd() *cobra.Command {
	var (
		userID      string
		description string
	)

	cmd := &cobra.Command{
		Use:   "keygen [api-key]",
		Short: "Hash a client API key for config.yaml",
		Long: `Print the SHA-256 hash of a client API key and the auth entry to paste
into config.yaml. A random key is generated when none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var apiKey string
			if len(args) == 1 {
				apiKey = args[0]
			} else {
				var err error
				if apiKey, err = randomKey(); err != nil {
					return err
				}
			}
			keyHash := auth.HashAPIKey(apiKey)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "API Key: %s\n", apiKey)
			fmt.Fprintf(out, "SHA-256 Hash: %s\n", keyHash)
			fmt.Fprintln(out, "\nAdd this to your config.yaml:")
			fmt.Fprintln(out, "auth:")
			fmt.Fprintln(out, "  api_keys:")
			fmt.Fprintf(out, "    - key_hash: %q\n", keyHash)
			fmt.Fprintf(out, "      user_id: %q\n", userID)
			fmt.Fprintf(out, "      description: %q\n", description)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User id the key authenticates as")
	cmd.Flags().StringVar(&description, "description", "Generated key", "Description stored with the key")
	return cmd
}

func randomKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "cgw-" + hex.EncodeToString(b), nil
}
