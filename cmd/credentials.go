package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/secrets"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage site passwords stored in the OS keyring",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <company-id>",
	Short: "Store the password for a company's application site",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		a := setup(context.Background())
		defer a.close()

		account, err := keyringAccount(a.config, args[0])
		if err != nil {
			a.logger.Fatal("resolving keyring account", zap.Error(err))
		}

		prompt := promptui.Prompt{
			Label: "Password for " + args[0],
			Mask:  '*',
			Validate: func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("password is empty")
				}
				return nil
			},
		}
		password, err := prompt.Run()
		if err != nil {
			a.logger.Fatal("reading password", zap.Error(err))
		}

		if err := secrets.Set(account, password); err != nil {
			a.logger.Fatal("storing password", zap.Error(err))
		}
		a.logger.Info("password stored", zap.String("account", account))
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <company-id>",
	Short: "Remove the stored password for a company's application site",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		a := setup(context.Background())
		defer a.close()

		account, err := keyringAccount(a.config, args[0])
		if err != nil {
			a.logger.Fatal("resolving keyring account", zap.Error(err))
		}
		if err := secrets.Delete(account); err != nil {
			a.logger.Fatal("deleting password", zap.Error(err))
		}
		a.logger.Info("password deleted", zap.String("account", account))
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsDeleteCmd)
}

func keyringAccount(config *Config, companyID string) (string, error) {
	site, ok := config.Credentials[companyID]
	if !ok {
		return "", errors.New("add a credentials." + companyID + " entry with a username to the config first")
	}
	return site.Account(companyID), nil
}
