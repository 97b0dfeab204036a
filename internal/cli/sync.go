package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leafmark/leafmark/internal/domain"
	"github.com/leafmark/leafmark/internal/reconcile"
	"github.com/leafmark/leafmark/internal/state"
	"github.com/leafmark/leafmark/internal/syncfile"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile a document's state with a sync file",
	Long: `Bind a sync file to a document and push or pull reading progress
through it. The sync file is the authoritative record when bound; local
state is adopted from it on bind and mirrored back on change.`,
}

func openEngine(docName string, docSize int64) (*state.Store, *reconcile.Engine, string, error) {
	st, err := state.Open(cfg.StatePath, logger)
	if err != nil {
		return nil, nil, "", err
	}

	docID := domain.DocumentID(docName, docSize)
	eng := reconcile.New(st, docID, cfg.ProgressDebounce, logger)
	return st, eng, docID, nil
}

var syncPullCmd = &cobra.Command{
	Use:   "pull <document> <size> <file>",
	Short: "Adopt progress from a sync file into the local store",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document size: %w", err)
		}

		st, eng, docID, err := openEngine(args[0], size)
		if err != nil {
			return err
		}
		defer st.Close()
		defer eng.Close()

		handle := syncfile.NewFileHandle(args[2])
		if err := eng.Bind(cmd.Context(), handle); err != nil {
			return err
		}

		res := eng.LoadProgress(cmd.Context())
		p, _ := res.Get()
		if res.Status == state.StatusDegraded {
			fmt.Printf("Sync file unreadable (%v); showing local values.\n", res.Reason)
		}

		fmt.Printf("Document %s (%s):\n", args[0], docID)
		if p.FurthestPage != nil {
			fmt.Printf("  Furthest page:  %d\n", *p.FurthestPage)
		}
		if p.LastPageRead != nil {
			fmt.Printf("  Last page read: %d\n", *p.LastPageRead)
		}
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push <document> <size> <file>",
	Short: "Mirror the local store out to a sync file now",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document size: %w", err)
		}

		st, eng, _, err := openEngine(args[0], size)
		if err != nil {
			return err
		}
		defer st.Close()
		defer eng.Close()

		// Attach, not Bind: pushing must never adopt a stale file value
		// over local progress before mirroring.
		handle := syncfile.NewFileHandle(args[2])
		if err := eng.Attach(handle); err != nil {
			return err
		}

		if err := eng.Push(cmd.Context()); err != nil {
			return fmt.Errorf("push failed: %w", err)
		}
		fmt.Printf("Pushed local state to %s.\n", handle.Name())
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status <file>",
	Short: "Show the contents of a sync file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		handle := syncfile.NewFileHandle(args[0])
		if !handle.Exists() {
			return fmt.Errorf("sync file does not exist: %s", args[0])
		}

		rec, err := syncfile.ReadRecord(cmd.Context(), handle)
		if err != nil {
			return fmt.Errorf("sync file unreadable: %w", err)
		}

		if mod, err := handle.LastModified(); err == nil {
			fmt.Printf("Last modified:  %s\n", mod.Format("2006-01-02 15:04:05"))
		}
		if rec.FurthestPage != nil {
			fmt.Printf("Furthest page:  %d\n", *rec.FurthestPage)
		}
		if rec.LastPageRead != nil {
			fmt.Printf("Last page read: %d\n", *rec.LastPageRead)
		}
		if rec.Metadata != nil {
			author := "unknown"
			if rec.Metadata.Author != nil {
				author = *rec.Metadata.Author
			}
			fmt.Printf("Metadata:       %q by %s\n", rec.Metadata.Title, author)
		}
		fmt.Printf("Annotations:    %d\n", len(rec.Annotations))
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncStatusCmd)
}
