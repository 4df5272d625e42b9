// Command bitkvctl is a minimal command-line front end over one store,
// exercising Open/Get/Set/Delete/Merge/Stats for manual testing. It is not a
// server: each invocation opens the store, performs one operation, and
// exits.
package main

import (
	"fmt"
	"os"

	"github.com/epokhe/bitdb/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  bitkvctl -dir <path> get <key>\n")
	fmt.Fprintf(os.Stderr, "  bitkvctl -dir <path> set <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  bitkvctl -dir <path> delete <key>\n")
	fmt.Fprintf(os.Stderr, "  bitkvctl -dir <path> merge\n")
	fmt.Fprintf(os.Stderr, "  bitkvctl -dir <path> stats\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 4 || os.Args[1] != "-dir" {
		usage()
	}
	dir := os.Args[2]
	action := os.Args[3]
	args := os.Args[4:]

	db, err := core.Open(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	switch action {
	case "get":
		if len(args) != 1 {
			usage()
		}
		val, err := db.Get([]byte(args[0]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "get failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(val))

	case "set":
		if len(args) != 2 {
			usage()
		}
		if err := db.Insert([]byte(args[0]), []byte(args[1])); err != nil {
			fmt.Fprintf(os.Stderr, "set failed: %v\n", err)
			os.Exit(1)
		}

	case "delete":
		if len(args) != 1 {
			usage()
		}
		if err := db.Delete([]byte(args[0])); err != nil {
			fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
			os.Exit(1)
		}

	case "merge":
		if len(args) != 0 {
			usage()
		}
		if err := db.Merge(); err != nil {
			fmt.Fprintf(os.Stderr, "merge failed: %v\n", err)
			os.Exit(1)
		}

	case "stats":
		if len(args) != 0 {
			usage()
		}
		st, err := db.Stats()
		if err != nil {
			fmt.Fprintf(os.Stderr, "stats failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("live_keys=%d segments=%d disk_bytes=%d\n", st.LiveKeys, st.SegmentCount, st.DiskBytes)

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		usage()
	}
}
