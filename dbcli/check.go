package dbcli

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nutelladb/database"
	"nutelladb/serialization"
)

var fruits = []serialization.Document{
	{"Name": "apple", "Color": "red", "Weight": int64(180)},
	{"Name": "banana", "Color": "yellow", "Weight": int64(120)},
	{"Name": "cherry", "Color": "red", "Weight": int64(8)},
	{"Name": "date", "Color": "brown", "Weight": int64(7)},
	{"Name": "elderberry", "Color": "purple", "Weight": int64(1)},
	{"Name": "fig", "Color": "purple", "Weight": int64(50)},
	{"Name": "grape", "Color": "green", "Weight": int64(5)},
	{"Name": "honeydew", "Color": "green", "Weight": int64(1500)},
	{"Name": "kiwi", "Color": "brown", "Weight": int64(75)},
	{"Name": "lemon", "Color": "yellow", "Weight": int64(60)},
	{"Name": "mango", "Color": "orange", "Weight": int64(200)},
	{"Name": "nectarine", "Color": "orange", "Weight": int64(140)},
}

// checkCmd runs a smoke test against a scratch database: it fills an
// indexed collection, reads it back in index order, and verifies the data
// after reopening.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Build a sample database and exercise it end to end",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runCheck(commandContext(cmd), cmd.OutOrStdout()); err != nil {
			log.Fatalf("Check failed: %v", err)
		}
	},
}

func runCheck(ctx context.Context, out io.Writer) error {
	dbID := fmt.Sprintf("db_check_%s", uuid.NewString()[:8])
	basePath := filepath.Join(rootDir, dbID)
	fmt.Fprintln(out, "Database ID:", dbID)

	db, err := database.NewDatabase(basePath, dbID, newLogger())
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}

	opts := treeOptions()
	opts.Order = 3
	if err := db.CreateCollection("fruits", opts); err != nil {
		return err
	}
	if err := db.CreateIndex(ctx, "fruits", "by_color", "Color", "Weight"); err != nil {
		return err
	}
	coll, err := db.GetCollection("fruits")
	if err != nil {
		return err
	}

	ids := make(map[string]uuid.UUID, len(fruits))
	for _, f := range fruits {
		id, err := coll.Insert(ctx, f)
		if err != nil {
			return fmt.Errorf("inserting %v: %w", f["Name"], err)
		}
		ids[f["Name"].(string)] = id
	}

	fmt.Fprintln(out, "\n-- Fruits by color and weight --")
	if err := printIndex(ctx, out, db, "fruits", "by_color"); err != nil {
		return err
	}

	if err := coll.Delete(ctx, ids["grape"]); err != nil {
		return err
	}
	if err := coll.Update(ctx, ids["kiwi"], serialization.Document{"Name": "kiwi", "Color": "green", "Weight": int64(75)}); err != nil {
		return err
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	fmt.Fprintln(out, "\nDatabase closed successfully.")

	fmt.Fprintln(out, "\nRe-opening database:", dbID)
	db, err = database.LoadDatabase(basePath, newLogger())
	if err != nil {
		return fmt.Errorf("loading database: %w", err)
	}
	defer db.Close()

	coll, err = db.GetCollection("fruits")
	if err != nil {
		return err
	}
	if _, err := coll.Load(ctx, ids["grape"]); err == nil {
		return fmt.Errorf("deleted fruit grape is still stored")
	}
	obj, err := coll.Load(ctx, ids["kiwi"])
	if err != nil {
		return err
	}
	if color := obj.(serialization.Document)["Color"]; color != "green" {
		return fmt.Errorf("kiwi has color %v after reopen", color)
	}

	fmt.Fprintln(out, "\n-- Fruits by color after reopen --")
	if err := printIndex(ctx, out, db, "fruits", "by_color"); err != nil {
		return err
	}

	stats := coll.CacheStats()
	fmt.Fprintf(out, "\nPage cache: %d/%d entries, %d hits, %d misses\n",
		stats.Pages.Size, stats.Pages.MaxSize, stats.Pages.Hits, stats.Pages.Misses)
	fmt.Fprintf(out, "Record cache: %d/%d entries, %d hits, %d misses\n",
		stats.Records.Size, stats.Records.MaxSize, stats.Records.Hits, stats.Records.Misses)

	fmt.Fprintln(out, "\nAll done!")
	return nil
}

func printIndex(ctx context.Context, out io.Writer, db *database.Database, collName, idxName string) error {
	coll, err := db.GetCollection(collName)
	if err != nil {
		return err
	}
	idx, err := coll.Index(idxName)
	if err != nil {
		return err
	}

	e, err := idx.Enumerate(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	for n := 0; e.Next(); n++ {
		entry := e.Entry()
		fmt.Fprintf(out, "%2d  %-8v %6v  %s\n", n, entry.Values[0], entry.Values[1], entry.ObjectID)
	}
	return e.Err()
}
