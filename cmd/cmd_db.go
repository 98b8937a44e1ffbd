package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dilsor/dilsor/core"
)

// dbCmd is the cobra CLI command tree for database operations
func dbCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "db",
		Short: "Database schema management commands",
	}

	c.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Connect to every configured database and introspect it",
		Run:   cmdDBPing,
	})

	c.AddCommand(&cobra.Command{
		Use:     "refresh [database]",
		Aliases: []string{"introspect"},
		Short:   "Re-run schema discovery and store a fresh snapshot",
		Run:     cmdDBRefresh,
	})

	c.AddCommand(&cobra.Command{
		Use:   "stats <database>",
		Short: "Show graph, pool and learning stats for a database",
		Args:  cobra.ExactArgs(1),
		Run:   cmdDBStats,
	})

	c.AddCommand(&cobra.Command{
		Use:   "snapshots <database>",
		Short: "List stored schema snapshots",
		Args:  cobra.ExactArgs(1),
		Run:   cmdDBSnapshots,
	})

	c.AddCommand(&cobra.Command{
		Use:   "diff <database> <old-hash> <new-hash>",
		Short: "Show the schema changes between two snapshots",
		Args:  cobra.ExactArgs(3),
		Run:   cmdDBDiff,
	})

	return c
}

// initEngine builds the engine from the config, connecting to every
// configured database.
func initEngine() *core.Dilsor {
	setup(cpath)

	d, err := core.New(context.Background(), &conf.Core)
	if err != nil {
		log.Fatalf("Failed to initialize: %s", err)
	}
	return d
}

// cmdDBPing is the handler for the db ping subcommand
func cmdDBPing(*cobra.Command, []string) {
	d := initEngine()
	defer d.Close() //nolint:errcheck

	ids := d.Databases()
	if len(ids) == 0 {
		log.Warn("No databases configured")
		return
	}

	for _, id := range ids {
		st, err := d.DatabaseStats(id)
		if err != nil {
			log.Errorf("%s: %s", id, err)
			continue
		}
		log.Infof("%s: ok, %d tables, %d relationships",
			id, st.Graph.Tables, st.Graph.Edges)
	}
}

// cmdDBRefresh is the handler for the db refresh subcommand
func cmdDBRefresh(_ *cobra.Command, args []string) {
	d := initEngine()
	defer d.Close() //nolint:errcheck

	ids := args
	if len(ids) == 0 {
		ids = d.Databases()
	}

	for _, id := range ids {
		if err := d.RefreshSchema(context.Background(), id); err != nil {
			log.Errorf("%s: %s", id, err)
			continue
		}
		st, err := d.DatabaseStats(id)
		if err != nil {
			log.Errorf("%s: %s", id, err)
			continue
		}
		log.Infof("%s: refreshed, snapshot %s", id, st.SnapshotHash)
	}
}

// cmdDBStats is the handler for the db stats subcommand
func cmdDBStats(_ *cobra.Command, args []string) {
	d := initEngine()
	defer d.Close() //nolint:errcheck

	st, err := d.DatabaseStats(args[0])
	if err != nil {
		log.Fatalf("%s", err)
	}
	printJSON(st)
}

// cmdDBSnapshots is the handler for the db snapshots subcommand
func cmdDBSnapshots(_ *cobra.Command, args []string) {
	d := initEngine()
	defer d.Close() //nolint:errcheck

	snaps, err := d.Snapshots(context.Background(), args[0], 50)
	if err != nil {
		log.Fatalf("%s", err)
	}

	if len(snaps) == 0 {
		log.Warnf("%s: no snapshots stored", args[0])
		return
	}
	for _, sn := range snaps {
		fmt.Printf("%s  %s\n", sn.Hash, sn.TakenAt.Format("2006-01-02 15:04:05"))
	}
}

// cmdDBDiff is the handler for the db diff subcommand
func cmdDBDiff(_ *cobra.Command, args []string) {
	d := initEngine()
	defer d.Close() //nolint:errcheck

	diff, err := d.SnapshotDiff(context.Background(), args[0], args[1], args[2])
	if err != nil {
		log.Fatalf("%s", err)
	}

	if diff.Empty() {
		log.Info("No schema changes")
		return
	}
	printJSON(diff)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("%s", err)
	}
}
