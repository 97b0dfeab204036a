package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leafmark/leafmark/internal/keystore"
	"github.com/leafmark/leafmark/internal/state"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the health of the local persistence layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Config file:    %s\n", cfgFile)
		fmt.Printf("Data directory: %s\n", cfg.DataDir)
		fmt.Printf("State database: %s\n", cfg.StatePath)
		fmt.Println()

		failures := 0

		if err := keystore.Probe(cfg.DataDir); err != nil {
			failures++
			fmt.Printf("[FAIL] durable key storage: %v\n", err)
			fmt.Println("       secrets will only be held in memory (fallback mode)")
		} else {
			fmt.Println("[ ok ] durable key storage")
		}

		st, err := state.Open(cfg.StatePath, logger)
		if err != nil {
			failures++
			fmt.Printf("[FAIL] state database: %v\n", err)
		} else {
			if err := st.VerifyIntegrity(); err != nil {
				failures++
				fmt.Printf("[FAIL] state database integrity: %v\n", err)
			} else {
				fmt.Println("[ ok ] state database")
			}
			st.Close()
		}

		if failures > 0 {
			return fmt.Errorf("%d check(s) failed", failures)
		}
		fmt.Println("\nAll checks passed.")
		return nil
	},
}
