package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/urfave/cli"

	"github.com/lightninglabs/trampoline/lnwire"
	"github.com/lightninglabs/trampoline/relaydb"
)

const (
	defaultDBFilename = "relay.db"
)

var (
	defaultRelayDir = btcutil.AppDataDir("trampoline", false)
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[relaycli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "relaycli"
	app.Usage = "inspect the trampoline relay's pending resolution store"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "relaydir",
			Value: defaultRelayDir,
			Usage: "the directory holding the relay database",
		},
	}
	app.Commands = []cli.Command{
		listPendingCommand,
		purgeCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// openStore opens the pending-resolution store read-write, without a channel
// register attached. The store is never started, so no resolution is
// dispatched by this tool.
func openStore(ctx *cli.Context) (*relaydb.Store, func(), error) {
	dir := ctx.GlobalString("relaydir")

	db, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:     dir,
		DBFileName: defaultDBFilename,
		DBTimeout:  kvdb.DefaultDBTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %v: %w",
			filepath.Join(dir, defaultDBFilename), err)
	}

	store, err := relaydb.NewStore(db, nil, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return store, func() { db.Close() }, nil
}

var listPendingCommand = cli.Command{
	Name:  "listpending",
	Usage: "list upstream resolutions awaiting acknowledgement",
	Description: `
	Lists the circuit keys of all upstream fails and fulfills that were
	decided but not yet acknowledged by the channel layer. These are
	replayed automatically when the relay starts.`,
	Action: listPending,
}

func listPending(ctx *cli.Context) error {
	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	pending, err := store.Pending()
	if err != nil {
		return err
	}

	fmt.Printf("%v pending resolutions\n", len(pending))
	for _, key := range pending {
		fmt.Printf("  %v\n", key)
	}

	return nil
}

var purgeCommand = cli.Command{
	Name:  "purge",
	Usage: "drop a pending resolution without dispatching it",
	Description: `
	Removes the stored resolution for the given circuit key. The upstream
	HTLC will no longer be failed or settled by the relay; only use this
	if the HTLC was already resolved through other means.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "chan_id",
			Usage: "the hex encoded 32-byte channel id",
		},
		cli.Uint64Flag{
			Name:  "htlc_id",
			Usage: "the id of the HTLC on its channel",
		},
	},
	Action: purge,
}

func purge(ctx *cli.Context) error {
	chanIDBytes, err := hex.DecodeString(ctx.String("chan_id"))
	if err != nil {
		return fmt.Errorf("invalid chan_id: %w", err)
	}
	if len(chanIDBytes) != 32 {
		return fmt.Errorf("chan_id must be 32 bytes, got %v",
			len(chanIDBytes))
	}

	var key lnwire.CircuitKey
	copy(key.ChanID[:], chanIDBytes)
	key.HtlcID = ctx.Uint64("htlc_id")

	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	if err := store.Purge(key); err != nil {
		return err
	}

	fmt.Printf("purged resolution for %v\n", key)
	return nil
}
