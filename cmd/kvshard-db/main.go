// Command kvshard-db inspects and edits a store directory offline. It takes
// the directory lock, so it cannot run against a directory a live server has
// open.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	cache "github.com/unkn0wn-root/kvshard"
	"github.com/unkn0wn-root/kvshard/store"
)

const usage = `Usage: kvshard-db [flags] <command> [args]

Commands:
  hash KEY             print the key's two hashes, bucket and native slot
  read KEY             print the stored value
  write KEY VALUE      store a value
  delete KEY           remove a key
  dump [--cbor]        list every record (CBOR sequence with --cbor)
  stat                 print file count and total size

Flags:
`

type options struct {
	dir     string
	buckets uint64
	slots   uint64
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(_ context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options
	fs := flag.NewFlagSet("kvshard-db", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.dir, "dir", "d", store.DefaultDir, "store directory")
	fs.Uint64Var(&opts.buckets, "buckets", store.DefaultBuckets, "bucket file count")
	fs.Uint64Var(&opts.slots, "slots", store.DefaultSlotsPerFile, "native slots per bucket file")
	asCBOR := fs.Bool("cbor", false, "dump: write a CBOR record sequence")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	if rest[0] == "hash" {
		if len(rest) != 2 {
			fmt.Fprintln(stderr, "error: hash wants 1 argument")
			return 2
		}
		printHash(stdout, opts, rest[1])
		return 0
	}

	st, err := store.Open(store.Options{Dir: opts.dir, Buckets: opts.buckets, SlotsPerFile: opts.slots})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer st.Close()

	if err := dispatch(st, opts, rest, *asCBOR, stdout); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func dispatch(st *store.Store, opts options, args []string, asCBOR bool, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	want := map[string]int{"read": 1, "write": 2, "delete": 1, "dump": 0, "stat": 0}
	n, ok := want[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(rest) != n {
		return fmt.Errorf("%s: want %d argument(s), got %d", cmd, n, len(rest))
	}

	switch cmd {
	case "read":
		key, err := parseKey(rest[0])
		if err != nil {
			return err
		}
		h1, h2 := cache.HashKey(&key)
		v, found, err := st.Read(h1, h2, &key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found", rest[0])
		}
		fmt.Fprintln(out, v.String())
	case "write":
		key, err := parseKey(rest[0])
		if err != nil {
			return err
		}
		if len(rest[1]) > store.ValueSize {
			return fmt.Errorf("value is %d bytes, max %d", len(rest[1]), store.ValueSize)
		}
		v := store.MakeValue(rest[1])
		h1, h2 := cache.HashKey(&key)
		return st.Write(h1, h2, &key, &v)
	case "delete":
		key, err := parseKey(rest[0])
		if err != nil {
			return err
		}
		h1, h2 := cache.HashKey(&key)
		found, err := st.Delete(h1, h2, &key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %q not found", rest[0])
		}
	case "dump":
		if asCBOR {
			_, err := st.Dump(out)
			return err
		}
		return dumpText(st, out)
	case "stat":
		return stat(st, opts, out)
	}
	return nil
}

func parseKey(s string) (store.Key, error) {
	if len(s) > store.KeySize {
		return store.Key{}, fmt.Errorf("key is %d bytes, max %d", len(s), store.KeySize)
	}
	return store.MakeKey(s), nil
}

func printHash(out io.Writer, opts options, s string) {
	key := store.MakeKey(s)
	h1, h2 := cache.HashKey(&key)
	fmt.Fprintf(out, "hash1  %d\nhash2  %d\nbucket %d\nslot   %d\n",
		h1, h2, h1%opts.buckets, h1%opts.slots)
}

func dumpText(st *store.Store, out io.Writer) error {
	bw := bufio.NewWriter(out)
	tw := tabwriter.NewWriter(bw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tSLOT\tNATIVE\tKEY\tVALUE")
	n := 0
	err := st.Walk(func(r store.Record) error {
		n++
		_, err := fmt.Fprintf(tw, "%d\t%d\t%t\t%s\t%s\n", r.Bucket, r.Slot, r.Native, r.Key, r.Value)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(bw, "%s records\n", humanize.Comma(int64(n)))
	return bw.Flush()
}

func stat(st *store.Store, opts options, out io.Writer) error {
	paths, err := filepath.Glob(filepath.Join(st.Dir(), "*.db"))
	if err != nil {
		return err
	}
	var total uint64
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return err
		}
		total += uint64(fi.Size())
	}
	fmt.Fprintf(out, "dir            %s\n", st.Dir())
	fmt.Fprintf(out, "buckets        %s\n", humanize.Comma(int64(opts.buckets)))
	fmt.Fprintf(out, "slots per file %s\n", humanize.Comma(int64(opts.slots)))
	fmt.Fprintf(out, "files          %s\n", humanize.Comma(int64(st.Files())))
	fmt.Fprintf(out, "size           %s\n", humanize.IBytes(total))
	return nil
}
