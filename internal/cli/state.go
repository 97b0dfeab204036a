package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leafmark/leafmark/internal/domain"
	"github.com/leafmark/leafmark/internal/reconcile"
	"github.com/leafmark/leafmark/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and tweak the local state store",
}

var stateShowCmd = &cobra.Command{
	Use:   "show [document] [size]",
	Short: "Show stored state, globally or for one document",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Open(cfg.StatePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("Theme:         %s\n", st.Theme())
		fmt.Printf("Sidebar width: %d\n", st.SidebarWidth())
		if gs, ok := st.GlobalUIState().Get(); ok {
			fmt.Printf("Active tab:    %s (panel collapsed: %v)\n", gs.ActiveTab, gs.IsPanelCollapsed)
		}

		if len(args) == 2 {
			size, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid document size: %w", err)
			}
			docID := domain.DocumentID(args[0], size)
			fmt.Printf("\nDocument %s (%s):\n", args[0], docID)

			p := st.Progress(docID)
			if p.FurthestPage != nil {
				fmt.Printf("  Furthest page:  %d\n", *p.FurthestPage)
			}
			if p.LastPageRead != nil {
				fmt.Printf("  Last page read: %d\n", *p.LastPageRead)
			}
			if md, ok := st.Metadata(docID).Get(); ok {
				author := "unknown"
				if md.Author != nil {
					author = *md.Author
				}
				fmt.Printf("  Metadata:       %q by %s\n", md.Title, author)
			}
			if anns, ok := st.Annotations(docID).Get(); ok {
				fmt.Printf("  Annotations:    %d\n", len(anns))
			}
			if msgs, ok := st.ChatMessages(docID).Get(); ok {
				fmt.Printf("  Chat turns:     %d\n", len(msgs))
			}
		}
		return nil
	},
}

var stateThemeCmd = &cobra.Command{
	Use:   "set-theme <light|dark>",
	Short: "Set the UI theme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := state.Open(cfg.StatePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetTheme(args[0]); err != nil {
			return err
		}
		fmt.Printf("Theme set to %s.\n", args[0])
		return nil
	},
}

var stateSidebarCmd = &cobra.Command{
	Use:   "set-sidebar-width <pixels>",
	Short: "Set the sidebar width",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		width, err := strconv.Atoi(args[0])
		if err != nil || width <= 0 {
			return fmt.Errorf("invalid width: %s", args[0])
		}

		st, err := state.Open(cfg.StatePath, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		saver := reconcile.NewLayoutSaver(st, cfg.LayoutDebounce, logger)
		defer saver.Close()

		saver.SetSidebarWidth(width)
		saver.Flush()

		fmt.Printf("Sidebar width set to %d.\n", width)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateThemeCmd)
	stateCmd.AddCommand(stateSidebarCmd)
}
