// Command membankctl is the operator CLI for a membank node: manual
// store/get/delete/query/export/stats against the manager facade, grounded
// on the teacher's cmd/ds urfave/cli/v2 layout (global --data-dir flag,
// one subcommand per operation, Before hook wiring up the engine).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"membank/config"
	"membank/item"
	"membank/manager"
)

const defaultDataDir = "./membank-data"
const defaultPrincipal = "membankctl"

var mgr *manager.Manager

func setup(c *cli.Context) error {
	dataDir := c.String("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := config.Default(c.String("node-id"), dataDir)
	if c.String("backend") == "tree" {
		cfg.Backend = config.BackendTree
	}

	m, err := manager.Open(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	mgr = m
	return nil
}

func teardown(c *cli.Context) error {
	if mgr == nil {
		return nil
	}
	return mgr.Close()
}

func main() {
	app := &cli.App{
		Name:  "membankctl",
		Usage: "operate a membank node from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Aliases: []string{"d"}, Value: defaultDataDir, EnvVars: []string{"MEMBANK_DATA_DIR"}},
			&cli.StringFlag{Name: "node-id", Aliases: []string{"n"}, Value: "node-local", EnvVars: []string{"MEMBANK_NODE_ID"}},
			&cli.StringFlag{Name: "backend", Value: "tabular", Usage: "tabular or tree"},
			&cli.StringFlag{Name: "principal", Aliases: []string{"p"}, Value: defaultPrincipal, Usage: "acting identity for permission checks"},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			{
				Name:  "store",
				Usage: "store <namespace> <category> <key> <json-value>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}},
					&cli.DurationFlag{Name: "ttl"},
				},
				Action: storeAction,
			},
			{
				Name:   "get",
				Usage:  "get <namespace> <category> <key>",
				Action: getAction,
			},
			{
				Name:   "delete",
				Usage:  "delete <namespace> <category> <key>",
				Action: deleteAction,
			},
			{
				Name:  "query",
				Usage: "query <namespace> [category]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit"},
					&cli.IntFlag{Name: "offset"},
				},
				Action: queryAction,
			},
			{
				Name:   "export",
				Usage:  "export <namespace>",
				Action: exportAction,
			},
			{
				Name:   "stats",
				Usage:  "print engine stats",
				Action: statsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func storeAction(c *cli.Context) error {
	if c.Args().Len() < 4 {
		return fmt.Errorf("usage: store <namespace> <category> <key> <json-value>")
	}
	ns, category, key, raw := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), c.Args().Get(3)

	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fmt.Errorf("parse value: %w", err)
	}
	value, err := item.FromAny(decoded)
	if err != nil {
		return err
	}

	it, err := mgr.Store(context.Background(), c.String("principal"), ns, category, key, value, c.StringSlice("tag"), c.Duration("ttl"), nil)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s/%s/%s -> %s\n", it.Namespace(), it.Category, it.Key, it.ID)
	return nil
}

func getAction(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: get <namespace> <category> <key>")
	}
	it, err := mgr.Get(context.Background(), c.String("principal"), c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
	if err != nil {
		return err
	}
	return printJSON(it)
}

func deleteAction(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: delete <namespace> <category> <key>")
	}
	if err := mgr.Delete(context.Background(), c.String("principal"), c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

func queryAction(c *cli.Context) error {
	q := item.Query{
		Namespace: c.Args().Get(0),
		Limit:     c.Int("limit"),
		Offset:    c.Int("offset"),
	}
	if c.Args().Len() > 1 {
		q.Categories = []string{c.Args().Get(1)}
	}
	items, err := mgr.Query(context.Background(), c.String("principal"), q)
	if err != nil {
		return err
	}
	return printJSON(items)
}

func exportAction(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("usage: export <namespace>")
	}
	snap, err := mgr.Export(context.Background(), c.String("principal"), c.Args().Get(0), false)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func statsAction(c *cli.Context) error {
	stats, err := mgr.Stats(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
