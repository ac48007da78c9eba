package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/dreamina-mux/internal/bootstrap"
	"github.com/nghyane/dreamina-mux/internal/json"
	"github.com/nghyane/dreamina-mux/internal/logging"
	"github.com/nghyane/dreamina-mux/internal/provisioner"
	"github.com/nghyane/dreamina-mux/internal/store"
)

type importedAccount struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Region   string  `json:"region"`
	Session  string  `json:"session_id"`
	Points   float64 `json:"points"`
}

var importCmd = &cobra.Command{
	Use:   "import <accounts.json>",
	Short: "Bulk import accounts from a JSON file",
	Long: `Import accounts from a JSON array. Each entry needs at least an email;
duplicates already in the pool are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		logging.SetupBaseLogger()

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read accounts file: %w", err)
		}
		var entries []importedAccount
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("parse accounts file: %w", err)
		}

		st, err := store.Open(result.Config.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		imported, skipped := 0, 0
		for _, entry := range entries {
			region, err := store.ParseRegion(entry.Region)
			if err != nil {
				region = store.RegionUS
			}
			account := &store.Account{
				Email:    entry.Email,
				Password: entry.Password,
				Region:   region,
				Session:  entry.Session,
				Status:   store.StatusActive,
				Points:   entry.Points,
			}
			if entry.Email == "" {
				skipped++
				continue
			}
			if err := st.Create(ctx, account); err != nil {
				if errors.Is(err, store.ErrDuplicateEmail) {
					skipped++
					continue
				}
				return err
			}
			imported++
		}
		fmt.Printf("Imported %d accounts, skipped %d\n", imported, skipped)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Provision one new account and add it to the pool",
	RunE: func(c *cobra.Command, args []string) error {
		logging.SetupBaseLogger()

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			return err
		}
		cfg := result.Config

		prov := provisioner.NewClient(cfg)
		if !prov.Configured() {
			return fmt.Errorf("register-api is not configured")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		reg, err := prov.Register(ctx)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		region, err := store.ParseRegion(reg.Region)
		if err != nil {
			region = store.RegionUS
		}
		account := &store.Account{
			Email:    reg.Email,
			Password: reg.Password,
			Region:   region,
			Session:  reg.Session,
			Status:   store.StatusActive,
			Points:   reg.Credits,
		}
		if err := st.Create(ctx, account); err != nil {
			return err
		}
		fmt.Printf("Registered account %d (%s, region %s)\n", account.ID, account.Email, account.Region)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(registerCmd)
}
