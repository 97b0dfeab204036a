package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafmark/leafmark/internal/clipboard"
	"github.com/leafmark/leafmark/internal/vault"
)

var (
	secretCopy   bool
	secretReveal bool
	clipboardTTL = 30 * time.Second
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the stored API secret",
	Long: `Manage the single credential the reader keeps for its completion
API. The secret is encrypted under a non-exportable master key; when the
platform cannot store such a key durably, the vault warns and holds the
secret in memory for this session only.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the API secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := vault.New(cfg.DataDir, logger)
		v.Initialize(cmd.Context())
		defer v.Close()

		secret, err := PromptSecret("Secret: ")
		if err != nil {
			return err
		}
		if secret == "" {
			return fmt.Errorf("secret cannot be empty")
		}

		if err := v.Store(cmd.Context(), secret); err != nil {
			return err
		}

		if v.IsFallbackMode() {
			fmt.Println("Warning: durable key storage is unavailable on this platform.")
			fmt.Println("The secret is held in memory only and will not survive a restart.")
		} else {
			fmt.Println("Secret stored.")
		}
		return nil
	},
}

var secretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show or copy the stored API secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := vault.New(cfg.DataDir, logger)
		v.Initialize(cmd.Context())
		defer v.Close()

		secret, ok, err := v.Retrieve(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no secret stored")
		}

		if secretCopy {
			if !clipboard.IsAvailable() {
				return fmt.Errorf("clipboard is not available")
			}
			if err := clipboard.CopyWithTimeout(secret, clipboardTTL); err != nil {
				return err
			}
			fmt.Printf("Secret copied to clipboard (clears in %s).\n", clipboardTTL)
			return nil
		}

		if secretReveal {
			fmt.Println(secret)
			return nil
		}

		fmt.Printf("Secret stored (%d characters). Use --reveal to print or --copy to copy.\n", len(secret))
		return nil
	},
}

var secretRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the stored API secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := PromptConfirm("Remove the stored secret?", false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		v := vault.New(cfg.DataDir, logger)
		v.Initialize(cmd.Context())
		defer v.Close()

		if err := v.Remove(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Secret removed.")
		return nil
	},
}

var secretStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := vault.New(cfg.DataDir, logger)
		v.Initialize(cmd.Context())
		defer v.Close()

		fmt.Printf("Data directory: %s\n", cfg.DataDir)
		fmt.Printf("Secret stored:  %v\n", v.HasSecret(cmd.Context()))
		if v.IsFallbackMode() {
			fmt.Println("Mode:           fallback (in-memory; will not survive restart)")
		} else {
			fmt.Println("Mode:           durable (encrypted at rest)")
		}
		return nil
	},
}

func init() {
	secretShowCmd.Flags().BoolVar(&secretCopy, "copy", false, "copy to clipboard with auto-clear")
	secretShowCmd.Flags().BoolVar(&secretReveal, "reveal", false, "print the secret to stdout")

	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretShowCmd)
	secretCmd.AddCommand(secretRemoveCmd)
	secretCmd.AddCommand(secretStatusCmd)
}
