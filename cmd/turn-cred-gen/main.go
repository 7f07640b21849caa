// Command turn-cred-gen derives a long-term TURN credential pair from a
// shared secret, per the long-term credential mechanism (RFC 5389
// section 10.2).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jtplouffe/turn/auth"
)

var (
	authSecret string
	ttl        time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "turn-cred-gen",
	Short: "Derive a time-scoped TURN username/password pair",
	Long: `turn-cred-gen derives a long-term TURN credential pair from a shared
secret: the username is a decimal expiry timestamp ttl from now, and the
password is base64(HMAC-SHA1(secret, username)). The TURN server must be
configured with the same shared secret to accept the result.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&authSecret, "auth-secret", "", "shared secret configured on the TURN server (required)")
	rootCmd.Flags().DurationVar(&ttl, "ttl", 60*time.Second, "how long the credential remains valid")
	_ = rootCmd.MarkFlagRequired("auth-secret")
}

func run(cmd *cobra.Command, args []string) error {
	username, password, err := auth.GenerateLongTermCredentials(authSecret, ttl)
	if err != nil {
		return fmt.Errorf("generate credentials: %w", err)
	}
	fmt.Printf("%s=%s\n", username, password)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
