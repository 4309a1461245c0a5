// Command icapd runs the ICAP server, adapting REQMOD/RESPMOD messages
// through the tokenshield example service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"icapd/examples/tokenshield"
	"icapd/internal/server"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "icapd",
	Short: "icapd is an ICAP server for card-number tokenization",
	Long: `icapd implements RFC 3507 over TCP, adapting REQMOD and RESPMOD
messages through a MySQL-backed token vault: card numbers are replaced
with opaque tokens on the way in and restored on the way out.`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.icapd.yaml)")
	rootCmd.Flags().String("addr", ":1344", "address to listen on")
	rootCmd.Flags().String("mysql-dsn", "", "MySQL DSN for the token vault")
	rootCmd.Flags().String("fernet-key", "", "base64-encoded Fernet key for card encryption")
	rootCmd.Flags().String("token-format", "prefix", "token format: prefix or luhn")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
	rootCmd.Flags().Bool("reuseport", false, "set SO_REUSEPORT on the listening socket")
	rootCmd.Flags().Int("rate-limit-attempts", 0, "max connections per client IP per window (0 disables rate limiting)")
	rootCmd.Flags().Duration("rate-limit-window", time.Minute, "rate limit sliding window size")
	rootCmd.Flags().Duration("rate-limit-block", 5*time.Minute, "how long a client IP stays blocked after exceeding its budget")

	viper.BindPFlag("addr", rootCmd.Flags().Lookup("addr"))
	viper.BindPFlag("mysql_dsn", rootCmd.Flags().Lookup("mysql-dsn"))
	viper.BindPFlag("fernet_key", rootCmd.Flags().Lookup("fernet-key"))
	viper.BindPFlag("token_format", rootCmd.Flags().Lookup("token-format"))
	viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))
	viper.BindPFlag("reuseport", rootCmd.Flags().Lookup("reuseport"))
	viper.BindPFlag("rate_limit_attempts", rootCmd.Flags().Lookup("rate-limit-attempts"))
	viper.BindPFlag("rate_limit_window", rootCmd.Flags().Lookup("rate-limit-window"))
	viper.BindPFlag("rate_limit_block", rootCmd.Flags().Lookup("rate-limit-block"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".icapd")
	}

	viper.SetEnvPrefix("ICAPD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func run(cmd *cobra.Command, args []string) error {
	vault, err := tokenshield.OpenVault(tokenshield.VaultConfig{
		DSN:       viper.GetString("mysql_dsn"),
		FernetKey: viper.GetString("fernet_key"),
		Debug:     viper.GetBool("debug"),
	})
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vault.Close()

	svc := tokenshield.NewService(tokenshield.Config{
		Vault:       vault,
		TokenFormat: viper.GetString("token_format"),
	})

	cfg := server.NewBuilder(viper.GetString("addr")).
		WithDebug(viper.GetBool("debug")).
		WithReusePort(viper.GetBool("reuseport")).
		Build()

	acceptor := server.NewAcceptor(cfg, svc)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := acceptor.Listen(ctx)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	if maxAttempts := viper.GetInt("rate_limit_attempts"); maxAttempts > 0 {
		ln = tokenshield.NewRateLimitedListener(ln, maxAttempts,
			viper.GetDuration("rate_limit_window"), viper.GetDuration("rate_limit_block"))
	}

	return acceptor.Serve(ctx, ln)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
