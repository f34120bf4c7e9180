// Command picklekv is a playground CLI for the pklkv package.
//
// Usage:
//
//	picklekv <path>                    open (converting if needed), report warnings
//	picklekv <path> get <key>
//	picklekv <path> put <key> <value>
//	picklekv <path> del <key>
//	picklekv <path> keys
//	picklekv <path> revision
//	picklekv <path> vacuum
//	picklekv <path> fsck
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/calvinalkan/picklekv/pkg/pklkv"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run implements §6's minimal contract when called with a single
// positional argument (open path, converting in place if needed, report
// warnings, exit 0/1) and additionally dispatches to a Store operation when
// a second, subcommand argument is given.
func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}
	if len(args) == 1 {
		store, warnings, err := pklkv.Open(pklkv.Options{Path: args[0]})
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		if err != nil {
			return err
		}
		return store.Close()
	}
	path, cmd, rest := args[0], args[1], args[2:]

	readOnly := cmd == "get" || cmd == "keys" || cmd == "revision"
	store, warnings, err := pklkv.Open(pklkv.Options{Path: path, ReadOnly: readOnly})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	switch cmd {
	case "get":
		return cmdGet(store, rest)
	case "put":
		return cmdPut(store, rest)
	case "del", "delete":
		return cmdDel(store, rest)
	case "keys":
		return cmdKeys(store)
	case "revision":
		return cmdRevision(store)
	case "vacuum":
		return store.Vacuum(0)
	case "fsck":
		return store.Fsck()
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", cmd, usage())
	}
}

func usage() string {
	return `picklekv playground CLI

Usage:
  picklekv <path>                 open (converting if needed), report warnings
  picklekv <path> get <key>
  picklekv <path> put <key> <value>
  picklekv <path> del <key>
  picklekv <path> keys
  picklekv <path> revision
  picklekv <path> vacuum
  picklekv <path> fsck

<path> is opened if it exists (converting a bare pickled mapping in place
if necessary), or created fresh if it doesn't.`
}

func cmdGet(store *pklkv.Store, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: picklekv <path> get <key>")
	}
	v, err := store.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", v)
	return nil
}

func cmdPut(store *pklkv.Store, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: picklekv <path> put <key> <value>")
	}
	return store.Put(args[0], args[1])
}

func cmdDel(store *pklkv.Store, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: picklekv <path> del <key>")
	}
	return store.Del(args[0])
}

func cmdKeys(store *pklkv.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func cmdRevision(store *pklkv.Store) error {
	rev, err := store.Revision()
	if err != nil {
		return err
	}
	fmt.Println(rev)
	return nil
}
