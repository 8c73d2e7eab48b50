package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sitesync/sitesync/internal/history"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/ui"
)

var docsArchive string

var docsCmd = &cobra.Command{
	Use:     "docs",
	GroupID: "inspect",
	Short:   "Inspect document revision histories",
	Long: `Inspect document histories for manual conflict resolution.

A document name resolves to its current head revision wherever a revision
id is expected. With --archive the commands read a badger archive written by
'sitesync docs export' instead of the live replica.`,
}

var docsAncestorCmd = &cobra.Command{
	Use:   "ancestor <name-or-id> <name-or-id>",
	Short: "Find the most recent common ancestor of two revisions",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		src, closeFn := openDocumentStore(ctx)
		defer closeFn()

		a, err := resolveRevision(ctx, src, args[0])
		if err != nil {
			closeFn()
			fatalf("%v", err)
		}
		b, err := resolveRevision(ctx, src, args[1])
		if err != nil {
			closeFn()
			fatalf("%v", err)
		}

		base, err := history.CommonAncestor(ctx, src, a, b)
		if err != nil {
			closeFn()
			fatalf("%v", err)
		}
		fmt.Println(base)
	},
}

var docsHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "List the revisions reachable from a document's head, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		src, closeFn := openDocumentStore(ctx)
		defer closeFn()

		rows, err := documentHistory(ctx, src, args[0])
		if err != nil {
			closeFn()
			fatalf("%v", err)
		}
		fmt.Print(ui.Table([]string{"REVISION", "PARENTS", "AUTHOR", "TIME"}, rows))
	},
}

var docsExportCmd = &cobra.Command{
	Use:   "export <name>...",
	Short: "Copy document histories from the replica into a badger archive",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, _ := loadConfig()
		log, logCloser := newLogger(cfg)
		defer logCloser.Close()

		dir := docsArchive
		if dir == "" {
			dir = cfg.Docs.Archive
		}

		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			fatalf("opening database: %v", err)
		}
		defer db.Close()

		archive, err := history.OpenArchive(history.ArchiveConfig{Path: dir, Logger: log})
		if err != nil {
			db.Close()
			fatalf("%v", err)
		}
		defer archive.Close()

		for _, name := range args {
			n, err := exportDocument(ctx, store.Documents(db.RawDB()), archive, name)
			if err != nil {
				archive.Close()
				db.Close()
				fatalf("exporting %s: %v", name, err)
			}
			fmt.Printf("%s %s: %d revisions\n", ui.RenderPass("✓"), name, n)
		}
		fmt.Printf("   Archive: %s\n", dir)
	},
}

// openDocumentStore opens the archive when --archive is set, else the
// replica.
func openDocumentStore(ctx context.Context) (history.Store, func()) {
	if docsArchive != "" {
		if _, err := os.Stat(docsArchive); err != nil {
			fatalf("archive %s: %v", docsArchive, err)
		}
		archive, err := history.OpenArchive(history.ArchiveConfig{Path: docsArchive})
		if err != nil {
			fatalf("%v", err)
		}
		return archive, func() { archive.Close() }
	}

	cfg, _ := loadConfig()
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		fatalf("initializing schema: %v", err)
	}
	return store.Documents(db.RawDB()), func() { db.Close() }
}

// resolveRevision maps a document name to its head, and passes revision
// ids through.
func resolveRevision(ctx context.Context, s history.Store, nameOrID string) (string, error) {
	head, ok, err := s.Head(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	if ok {
		return head, nil
	}
	if _, err := s.AncestorDetail(ctx, nameOrID); err != nil {
		return "", fmt.Errorf("%s is neither a document name nor a revision id: %w", nameOrID, err)
	}
	return nameOrID, nil
}

// documentHistory renders the revisions reachable from the head of name,
// children before parents.
func documentHistory(ctx context.Context, s history.Store, name string) ([][]string, error) {
	head, ok, err := s.Head(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("document %s has no head", name)
	}
	items, err := s.NameHistory(ctx, name)
	if err != nil {
		return nil, err
	}
	tree, err := history.ExtractReachableTree(head, items)
	if err != nil {
		return nil, err
	}
	ordered, err := history.TopologicalOrder(tree)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(ordered))
	for _, it := range ordered {
		doc, err := s.Document(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		id := doc.ID
		if id == head {
			id = ui.RenderAccent(id + " (head)")
		}
		rows = append(rows, []string{
			id,
			strings.Join(doc.ParentIDs, ","),
			doc.Author,
			doc.Timestamp.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows, nil
}

// exportDocument copies every revision of name and its head into archive.
func exportDocument(ctx context.Context, docs *store.DocumentStore, archive *history.Archive, name string) (int, error) {
	revisions, err := docs.Revisions(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(revisions) == 0 {
		return 0, fmt.Errorf("no revisions")
	}
	if err := archive.Put(revisions...); err != nil {
		return 0, err
	}
	head, ok, err := docs.Head(ctx, name)
	if err != nil {
		return 0, err
	}
	if ok {
		if err := archive.SetHead(name, head); err != nil {
			return 0, err
		}
	}
	return len(revisions), nil
}

func init() {
	docsCmd.PersistentFlags().StringVar(&docsArchive, "archive", "", "badger archive directory")
	docsCmd.AddCommand(docsAncestorCmd, docsHistoryCmd, docsExportCmd)
	rootCmd.AddCommand(docsCmd)
}
