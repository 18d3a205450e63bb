package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var keygenVault bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate signing or vault key material",
	Long: `Generate key material for the gateway.

By default an Ed25519 signing keypair is generated. The private key is
printed as PKCS#8 PEM for GATEWAY_ED25519_PRIVATE_KEY; the public key
as base64 for distribution to audit verifiers.

With --vault a random 32-byte vault key is generated instead, base64
encoded, for GATEWAY_FERNET_KEY.

Example:
  aegis-gate keygen > signing.pem
  aegis-gate keygen --vault`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenVault {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate vault key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		}

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return fmt.Errorf("marshal private key: %w", err)
		}
		fmt.Print(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
		fmt.Fprintf(os.Stderr, "public key (base64): %s\n", base64.StdEncoding.EncodeToString(pub))
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenVault, "vault", false, "generate a vault encryption key instead of a signing keypair")
	rootCmd.AddCommand(keygenCmd)
}
