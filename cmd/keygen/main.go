package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/cinetech-relay/internal/adapters/auth/apikey"
)

const keyPrefix = "ctr-"

func main() {
	cmd := &cli.Command{
		Name:      "keygen",
		Usage:     "generate a tenant API key and the hash to put in config.yaml",
		ArgsUsage: "[api-key]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tenant", Value: "default", Usage: "tenant id"},
			&cli.StringFlag{Name: "name", Usage: "tenant display name"},
			&cli.StringFlag{Name: "description", Value: "Generated key", Usage: "key description"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			apiKey := cmd.Args().First()
			if apiKey == "" {
				var err error
				if apiKey, err = generateKey(); err != nil {
					return err
				}
			}
			keyHash := apikey.HashAPIKey(apiKey)

			name := cmd.String("name")
			if name == "" {
				name = cmd.String("tenant")
			}

			fmt.Printf("API Key: %s\n", apiKey)
			fmt.Printf("SHA-256 Hash: %s\n", keyHash)
			fmt.Println("\nAdd this to your config.yaml:")
			fmt.Printf("tenants:\n")
			fmt.Printf("  - id: %q\n", cmd.String("tenant"))
			fmt.Printf("    name: %q\n", name)
			fmt.Printf("    api_keys:\n")
			fmt.Printf("      - key_hash: %q\n", keyHash)
			fmt.Printf("        description: %q\n", cmd.String("description"))
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
