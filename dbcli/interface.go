package dbcli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"nutelladb/btree"
	"nutelladb/database"
	"nutelladb/logging"
	"nutelladb/serialization"
)

var (
	rootDir     string
	logLevel    string
	order       int
	inlineLimit int
	lockTimeout time.Duration
	scanLimit   int
)

// Root command for the CLI
var RootCmd = &cobra.Command{
	Use:   "dbcli",
	Short: "CLI for managing the database",
	Long:  "A Command Line Interface (CLI) for managing collections, objects and secondary indexes in NutellaDB.",
}

// Execute runs the root command
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	return logging.NewDefaultLogger(logging.ParseLevel(logLevel))
}

// commandContext tags every log record of a command with its name.
func commandContext(cmd *cobra.Command) context.Context {
	return logging.WithDefaultArgs(context.Background(), "cmd", cmd.Name())
}

func treeOptions() btree.Options {
	return btree.Options{
		Order:           order,
		InlineSizeLimit: inlineLimit,
		LockTimeout:     lockTimeout,
	}
}

func loadDatabase(dbID string) *database.Database {
	db, err := database.LoadDatabase(filepath.Join(rootDir, dbID), newLogger())
	if err != nil {
		log.Fatalf("Error loading database '%s': %v", dbID, err)
	}
	return db
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Fatalf("Invalid object id '%s': %v", s, err)
	}
	return id
}

// parseDocument reads a JSON object, keeping integers as int64.
func parseDocument(s string) serialization.Document {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		log.Fatalf("Invalid JSON object: %v", err)
	}
	return fromJSON(m).(serialization.Document)
}

func fromJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		doc := serialization.Document{}
		for k, item := range x {
			doc[k] = fromJSON(item)
		}
		return doc
	case []any:
		for i := range x {
			x[i] = fromJSON(x[i])
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	default:
		return v
	}
}

func printJSON(cmd *cobra.Command, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding output: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}

// Command to create a new database
var createDBCmd = &cobra.Command{
	Use:   "create-db",
	Short: "Create a new database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dbUUID, err := uuid.NewRandom()
		if err != nil {
			log.Fatalf("failed to generate uuid: %v", err)
		}
		dbSuffix := strings.Split(dbUUID.String(), "-")[0]
		dbID := fmt.Sprintf("db_%s", dbSuffix)
		fmt.Fprintln(cmd.OutOrStdout(), "Database ID:", dbID)

		db, err := database.NewDatabase(filepath.Join(rootDir, dbID), dbID, newLogger())
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		if err := db.Close(); err != nil {
			log.Fatalf("Error closing database: %v", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Database created successfully!")
	},
}

var listDBsCmd = &cobra.Command{
	Use:   "list-dbs",
	Short: "List the databases under the root directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dbs, err := database.ListDatabases(rootDir)
		if err != nil {
			log.Fatalf("Error listing databases: %v", err)
		}
		for _, id := range dbs {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
	},
}

// Command to create a collection in a database
var createCollectionCmd = &cobra.Command{
	Use:   "create-collection [dbID] [name] [order]",
	Short: "Create a new collection in the specified database",
	Args:  cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		dbID := args[0]
		name := args[1]

		opts := treeOptions()
		if len(args) == 3 {
			o, err := strconv.Atoi(args[2])
			if err != nil || o < 2 {
				log.Fatalf("Invalid order value '%s'. Order must be an integer >= 2.", args[2])
			}
			opts.Order = o
		}

		db := loadDatabase(dbID)
		defer db.Close()

		if err := db.CreateCollection(name, opts); err != nil {
			log.Fatalf("Error creating collection: %v", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Collection '%s' created successfully in database '%s'.\n", name, dbID)
	},
}

var listCollectionsCmd = &cobra.Command{
	Use:   "list-collections [dbID]",
	Short: "List the collections of a database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := loadDatabase(args[0])
		defer db.Close()

		names, err := db.GetAllCollections()
		if err != nil {
			log.Fatalf("Error listing collections: %v", err)
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var dropCollectionCmd = &cobra.Command{
	Use:   "drop-collection [dbID] [name]",
	Short: "Delete a collection with all of its objects and indexes",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		db := loadDatabase(args[0])
		defer db.Close()

		if err := db.DropCollection(args[1]); err != nil {
			log.Fatalf("Error dropping collection '%s': %v", args[1], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Collection '%s' dropped.\n", args[1])
	},
}

// Command to insert an object into a collection
var insertCmd = &cobra.Command{
	Use:   "insert [dbID] [collection] [json]",
	Short: "Insert a JSON object into a collection",
	Long:  "This command stores a JSON object in the specified collection, updates its indexes and prints the new object id.",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		dbID := args[0]
		collName := args[1]
		doc := parseDocument(args[2])

		db := loadDatabase(dbID)
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}

		id, err := coll.Insert(commandContext(cmd), doc)
		if err != nil {
			log.Fatalf("Error inserting into collection '%s': %v", collName, err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), id)
	},
}

// Command to find an object in a collection
var findCmd = &cobra.Command{
	Use:   "find [dbID] [collection] [id]",
	Short: "Print the object stored under an id",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		collName := args[1]
		id := parseID(args[2])

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}

		obj, err := coll.Load(commandContext(cmd), id)
		if err != nil {
			log.Fatalf("Error finding object %s: %v", id, err)
		}
		printJSON(cmd, obj)
	},
}

// Command to replace an object in a collection
var updateCmd = &cobra.Command{
	Use:   "update [dbID] [collection] [id] [json]",
	Short: "Replace the object stored under an id",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		collName := args[1]
		id := parseID(args[2])
		doc := parseDocument(args[3])

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}

		if err := coll.Update(commandContext(cmd), id, doc); err != nil {
			log.Fatalf("Error updating object %s: %v", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated object %s in collection '%s'.\n", id, collName)
	},
}

// Command to delete an object from a collection
var deleteCmd = &cobra.Command{
	Use:   "delete [dbID] [collection] [id]",
	Short: "Delete an object from a collection",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		collName := args[1]
		id := parseID(args[2])

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}

		if err := coll.Delete(commandContext(cmd), id); err != nil {
			log.Fatalf("Error deleting object %s: %v", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted object %s from collection '%s'.\n", id, collName)
	},
}

var createIndexCmd = &cobra.Command{
	Use:   "create-index [dbID] [collection] [index] [field]...",
	Short: "Create a secondary index over one or more fields",
	Long:  "Builds an index ordered by the given fields, most significant first. Objects whose key exceeds the inline limit are left out of the index.",
	Args:  cobra.MinimumNArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		collName, idxName, fields := args[1], args[2], args[3:]

		db := loadDatabase(args[0])
		defer db.Close()

		if err := db.CreateIndex(commandContext(cmd), collName, idxName, fields...); err != nil {
			log.Fatalf("Error creating index '%s': %v", idxName, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Index '%s' on %s created in collection '%s'.\n", idxName, strings.Join(fields, ", "), collName)
	},
}

var dropIndexCmd = &cobra.Command{
	Use:   "drop-index [dbID] [collection] [index]",
	Short: "Delete a secondary index",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		db := loadDatabase(args[0])
		defer db.Close()

		if err := db.DropIndex(args[1], args[2]); err != nil {
			log.Fatalf("Error dropping index '%s': %v", args[2], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Index '%s' dropped.\n", args[2])
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [dbID] [collection] [index]",
	Short: "List objects in index order",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		collName, idxName := args[1], args[2]

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}
		idx, err := coll.Index(idxName)
		if err != nil {
			log.Fatalf("Error getting index '%s': %v", idxName, err)
		}

		e, err := idx.Enumerate(commandContext(cmd), false)
		if err != nil {
			log.Fatalf("Error scanning index '%s': %v", idxName, err)
		}
		defer e.Close()

		for n := 0; (scanLimit <= 0 || n < scanLimit) && e.Next(); n++ {
			entry := e.Entry()
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%v\n", n, entry.ObjectID, entry.Values)
		}
		if err := e.Err(); err != nil {
			log.Fatalf("Error scanning index '%s': %v", idxName, err)
		}
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank [dbID] [collection] [index] [id]",
	Short: "Print an object's position in index order",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		collName, idxName := args[1], args[2]
		id := parseID(args[3])

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}
		idx, err := coll.Index(idxName)
		if err != nil {
			log.Fatalf("Error getting index '%s': %v", idxName, err)
		}

		rank, err := idx.Rank(commandContext(cmd), id)
		if err != nil {
			log.Fatalf("Error ranking object %s: %v", id, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rank)
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate [dbID] [collection] [index]",
	Short: "Rebuild an index from the collection's objects",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		collName, idxName := args[1], args[2]

		db := loadDatabase(args[0])
		defer db.Close()

		coll, err := db.GetCollection(collName)
		if err != nil {
			log.Fatalf("Error getting collection '%s': %v", collName, err)
		}

		res, err := coll.RegenerateIndex(commandContext(cmd), idxName)
		if err != nil {
			log.Fatalf("Error regenerating index '%s': %v", idxName, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Index '%s' regenerated: %d indexed, %d oversize.\n", idxName, res.Indexed, res.Oversize)
	},
}

func init() {
	defaults := btree.DefaultOptions()

	flags := RootCmd.PersistentFlags()
	flags.StringVar(&rootDir, "root", filepath.Join(".", "files"), "directory holding the databases")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flags.IntVar(&order, "order", defaults.Order, "B+tree order for new collections")
	flags.IntVar(&inlineLimit, "inline-limit", defaults.InlineSizeLimit, "largest index key in bytes for new collections")
	flags.DurationVar(&lockTimeout, "lock-timeout", defaults.LockTimeout, "how long to wait for a tree lock")

	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "stop after this many entries (0 for all)")

	RootCmd.AddCommand(createDBCmd)
	RootCmd.AddCommand(listDBsCmd)
	RootCmd.AddCommand(createCollectionCmd)
	RootCmd.AddCommand(listCollectionsCmd)
	RootCmd.AddCommand(dropCollectionCmd)
	RootCmd.AddCommand(insertCmd)
	RootCmd.AddCommand(findCmd)
	RootCmd.AddCommand(updateCmd)
	RootCmd.AddCommand(deleteCmd)
	RootCmd.AddCommand(createIndexCmd)
	RootCmd.AddCommand(dropIndexCmd)
	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(rankCmd)
	RootCmd.AddCommand(regenerateCmd)
	RootCmd.AddCommand(checkCmd)
}
