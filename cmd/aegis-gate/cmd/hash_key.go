package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegis-gate/aegisgate/internal/domain/auth"
)

var hashKeyArgon2id bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for seeding the key store",
	Long: `Hash an API key so only the hash is ever stored.

By default the output is the SHA-256 hex digest, the form the key
store holds for agent keys. With --argon2id the output is an Argon2id
PHC hash, recommended for operator and admin keys.

Example:
  aegis-gate hash-key "my-secret-api-key"
  aegis-gate hash-key --argon2id "operator-key"

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  aegis-gate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2id {
			hash, err := auth.HashKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Println(hash)
			return nil
		}
		fmt.Println(auth.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2id, "argon2id", false, "produce an Argon2id PHC hash instead of SHA-256")
	rootCmd.AddCommand(hashKeyCmd)
}
