// Command tokenshield-admin bootstraps and authenticates operator
// accounts against a tokenshield vault, without going through the
// ICAP service itself.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"icapd/examples/tokenshield"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tokenshield-admin",
	Short: "Manage tokenshield vault operator accounts",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tokenshield-admin.yaml)")
	rootCmd.PersistentFlags().String("mysql-dsn", "", "MySQL DSN for the token vault")
	rootCmd.PersistentFlags().String("fernet-key", "", "base64-encoded Fernet key for card encryption")
	viper.BindPFlag("mysql_dsn", rootCmd.PersistentFlags().Lookup("mysql-dsn"))
	viper.BindPFlag("fernet_key", rootCmd.PersistentFlags().Lookup("fernet-key"))

	bootstrapCmd.Flags().StringP("username", "u", "", "admin username")
	rootCmd.AddCommand(bootstrapCmd)

	authCmd.Flags().StringP("username", "u", "", "admin username")
	rootCmd.AddCommand(authCmd)
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
		viper.SetConfigName(".tokenshield-admin")
	}

	viper.SetEnvPrefix("TOKENSHIELD")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func openVault() (*tokenshield.Vault, error) {
	return tokenshield.OpenVault(tokenshield.VaultConfig{
		DSN:       viper.GetString("mysql_dsn"),
		FernetKey: viper.GetString("fernet_key"),
	})
}

func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the first admin account if none exists",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			fmt.Print("Username: ")
			fmt.Scanln(&username)
		}
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		vault, err := openVault()
		if err != nil {
			return fmt.Errorf("opening vault: %w", err)
		}
		defer vault.Close()

		created, err := vault.BootstrapAdmin(username, password)
		if err != nil {
			return err
		}
		if !created {
			fmt.Println("an admin account already exists, nothing to do")
			return nil
		}
		fmt.Printf("created admin account %q\n", username)
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Verify an admin account's credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			fmt.Print("Username: ")
			fmt.Scanln(&username)
		}
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		vault, err := openVault()
		if err != nil {
			return fmt.Errorf("opening vault: %w", err)
		}
		defer vault.Close()

		ok, err := vault.AuthenticateAdmin(username, password)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("authentication failed")
			os.Exit(1)
		}
		fmt.Println("authentication succeeded")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
