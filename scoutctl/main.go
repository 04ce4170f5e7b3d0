package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
	"github.com/swiftcloud/scout/scout"
)

const ScoutCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scout control.

Connects a throwaway scout to a surrogate and runs one operation against
a replicated object. Types are: counter, lww-register, aww-set, directory.

Usage:
    scoutctl mint-token --secret=<secret> [--user=<user>]
    scoutctl clock --servers=<servers> [--jwt=<jwt>]
    scoutctl get --servers=<servers> [--jwt=<jwt>]
        --table=<table> --key=<key> [--type=<type>] [--create]
    scoutctl increment --servers=<servers> [--jwt=<jwt>]
        --table=<table> --key=<key> [--delta=<delta>]
    scoutctl set --servers=<servers> [--jwt=<jwt>]
        --table=<table> --key=<key> <value>
    scoutctl watch --servers=<servers> [--jwt=<jwt>]
        --table=<table> --key=<key> [--type=<type>] [--timeout=<seconds>]
    scoutctl bench --servers=<servers> [--jwt=<jwt>]
        --table=<table> --key=<key> [--ops=<ops>]

Options:
    -h --help             Show this screen.
    --version             Show version.
    --secret=<secret>     HMAC secret to sign the token with.
    --user=<user>         User claim for the minted token.
    --servers=<servers>   Comma-separated surrogate urls, first is primary.
    --jwt=<jwt>           Attach token presented to the surrogate.
    --table=<table>       Object table.
    --key=<key>           Object key.
    --type=<type>         Object type tag [default: counter].
    --create              Create the object if it does not exist.
    --delta=<delta>       Counter increment [default: 1].
    --timeout=<seconds>   Watch timeout in seconds [default: 60].
    --ops=<ops>           Number of update transactions [default: 1000].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ScoutCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if clock_, _ := opts.Bool("clock"); clock_ {
		withScout(opts, clock)
	} else if get_, _ := opts.Bool("get"); get_ {
		withScout(opts, get)
	} else if increment_, _ := opts.Bool("increment"); increment_ {
		withScout(opts, increment)
	} else if set_, _ := opts.Bool("set"); set_ {
		withScout(opts, set)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		withScout(opts, watch)
	} else if bench_, _ := opts.Bool("bench"); bench_ {
		withScout(opts, bench)
	}
}

func mintToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	user, _ := opts.String("--user")
	byJwt, err := scout.MintScoutToken([]byte(secret), "", user)
	if err != nil {
		Err.Fatalf("Could not mint token: %s", err)
	}
	Out.Println(byJwt)
}

func withScout(opts docopt.Opts, run func(opts docopt.Opts, sc *scout.Scout)) {
	servers, _ := opts.String("--servers")
	options := scout.DefaultOptions()
	options.ParseServerHostnames(servers)
	if byJwt, err := opts.String("--jwt"); err == nil {
		options.ByJwt = byJwt
	}

	sc, err := scout.NewScout(context.Background(), options)
	if err != nil {
		Err.Fatalf("Could not start scout: %s", err)
	}
	defer sc.Stop(true)

	run(opts, sc)
}

func objectId(opts docopt.Opts) protocol.CrdtId {
	table, _ := opts.String("--table")
	key, _ := opts.String("--key")
	typeTag, err := opts.String("--type")
	if err != nil {
		typeTag = crdts.TypeCounter
	}
	return protocol.CrdtId{
		Table: table,
		Key:   key,
		Type:  typeTag,
	}
}

func clock(opts docopt.Opts, sc *scout.Scout) {
	session := sc.NewSession("scoutctl")
	txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.StrictlyMostRecent, true)
	if err != nil {
		Err.Fatalf("Could not begin transaction: %s", err)
	}
	defer txn.Rollback()
	Out.Printf("scout %s connected", sc.ScoutId())
}

func get(opts docopt.Opts, sc *scout.Scout) {
	create, _ := opts.Bool("--create")
	session := sc.NewSession("scoutctl")
	txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.MostRecent, true)
	if err != nil {
		Err.Fatalf("Could not begin transaction: %s", err)
	}
	view, err := txn.Get(objectId(opts), create, nil)
	if err != nil {
		Err.Fatalf("Could not read object: %s", err)
	}
	if err := txn.Commit(); err != nil {
		Err.Fatalf("Could not commit: %s", err)
	}
	Out.Printf("%v", view.Value())
}

func increment(opts docopt.Opts, sc *scout.Scout) {
	delta, err := opts.Int("--delta")
	if err != nil {
		delta = 1
	}
	session := sc.NewSession("scoutctl")
	txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.Cached, false)
	if err != nil {
		Err.Fatalf("Could not begin transaction: %s", err)
	}
	id := objectId(opts)
	view, err := txn.Get(id, true, nil)
	if err != nil {
		Err.Fatalf("Could not read object: %s", err)
	}
	if err := txn.Update(id, &crdts.CounterAdd{Delta: int64(delta)}); err != nil {
		Err.Fatalf("Could not update: %s", err)
	}
	if err := txn.Commit(); err != nil {
		Err.Fatalf("Could not commit: %s", err)
	}
	Out.Printf("%v + %d", view.Value(), delta)
}

func set(opts docopt.Opts, sc *scout.Scout) {
	value, _ := opts.String("<value>")
	session := sc.NewSession("scoutctl")
	txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.Cached, false)
	if err != nil {
		Err.Fatalf("Could not begin transaction: %s", err)
	}
	id := objectId(opts)
	id.Type = crdts.TypeRegister
	if _, err := txn.Get(id, true, nil); err != nil {
		Err.Fatalf("Could not read object: %s", err)
	}
	err = txn.Update(id, &crdts.RegisterSet{
		Val:     value,
		Lamport: time.Now().UnixMilli(),
		Site:    sc.ScoutId(),
	})
	if err != nil {
		Err.Fatalf("Could not update: %s", err)
	}
	if err := txn.Commit(); err != nil {
		Err.Fatalf("Could not commit: %s", err)
	}
	Out.Printf("ok")
}

func watch(opts docopt.Opts, sc *scout.Scout) {
	timeoutSeconds, err := opts.Int("--timeout")
	if err != nil {
		timeoutSeconds = 60
	}

	updated := make(chan struct{})
	listener := scout.UpdatesListenerFunc(func(id protocol.CrdtId, previousValue crdts.Crdt) {
		close(updated)
	})

	session := sc.NewSession("scoutctl")
	txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.MostRecent, true)
	if err != nil {
		Err.Fatalf("Could not begin transaction: %s", err)
	}
	view, err := txn.Get(objectId(opts), false, listener)
	if err != nil {
		Err.Fatalf("Could not read object: %s", err)
	}
	if err := txn.Commit(); err != nil {
		Err.Fatalf("Could not commit: %s", err)
	}
	Out.Printf("%v", view.Value())

	select {
	case <-updated:
		Out.Printf("updated")
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		Out.Printf("no update within %ds", timeoutSeconds)
	}
}

func bench(opts docopt.Opts, sc *scout.Scout) {
	ops, err := opts.Int("--ops")
	if err != nil {
		ops = 1000
	}
	session := sc.NewSession("scoutctl")
	id := objectId(opts)

	start := time.Now()
	for i := 0; i < ops; i++ {
		txn, err := session.BeginTxn(scout.SnapshotIsolation, scout.Cached, false)
		if err != nil {
			Err.Fatalf("Could not begin transaction: %s", err)
		}
		if i == 0 {
			if _, err := txn.Get(id, true, nil); err != nil {
				Err.Fatalf("Could not read object: %s", err)
			}
		}
		if err := txn.Update(id, &crdts.CounterAdd{Delta: 1}); err != nil {
			Err.Fatalf("Could not update: %s", err)
		}
		if err := txn.Commit(); err != nil {
			Err.Fatalf("Could not commit: %s", err)
		}
	}
	elapsed := time.Since(start)
	Out.Printf("%d update txns in %s (%.0f txn/s)",
		ops, elapsed, float64(ops)/elapsed.Seconds())
	fmt.Fprintln(os.Stderr, "waiting for global commits to drain")
}
