package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/unkn0wn-root/kvshard/client"
)

const usage = `Usage: kvshard-client [flags] <command> [args]

Commands:
  get KEY            fetch a value
  put KEY VALUE      store a value
  del KEY            delete a key
  batch FILE         run requests from FILE ("-" for stdin)

Flags:
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvshard-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.StringP("addr", "a", "localhost:12345", "server address")
	timeout := fs.Duration("timeout", 10*time.Second, "per-request timeout (0 = none)")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.SetInterspersed(false)
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

	c, err := client.DialOptions(ctx, *addr, client.Options{DialTimeout: *timeout, RequestTimeout: *timeout})
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer c.Close()

	if err := dispatch(c, rest, stdout); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func dispatch(c *client.Client, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	want := map[string]int{"get": 1, "put": 2, "del": 1, "batch": 1}
	n, ok := want[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(rest) != n {
		return fmt.Errorf("%s: want %d argument(s), got %d", cmd, n, len(rest))
	}

	switch cmd {
	case "batch":
		return runBatchFile(c, rest[0], out)
	default:
		return execute(c, request{op: cmd, key: rest[0], value: valueArg(rest)}, out)
	}
}

func valueArg(rest []string) string {
	if len(rest) > 1 {
		return rest[1]
	}
	return ""
}

func runBatchFile(c *client.Client, path string, out io.Writer) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	reqs, err := parseBatch(r)
	if err != nil {
		return err
	}

	start := time.Now()
	failed := 0
	for _, req := range reqs {
		if err := execute(c, req, out); err != nil {
			// Transport errors desynchronize the connection.
			var se *client.ServerError
			if !errors.As(err, &se) {
				return err
			}
			fmt.Fprintf(out, "%s %s -> error: %s\n", req.op, req.key, se.Message)
			failed++
		}
	}
	fmt.Fprintf(out, "%d requests, %d failed, total time %s\n", len(reqs), failed, time.Since(start).Round(time.Microsecond))
	return nil
}

func execute(c *client.Client, req request, out io.Writer) error {
	switch req.op {
	case "get":
		v, ok, err := c.Get(req.key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "GET %s -> Key not found\n", req.key)
			return nil
		}
		fmt.Fprintf(out, "GET %s -> %s\n", req.key, v)
	case "put":
		if err := c.Put(req.key, req.value); err != nil {
			return err
		}
		fmt.Fprintf(out, "PUT %s -> OK\n", req.key)
	case "del":
		ok, err := c.Delete(req.key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "DEL %s -> Key not found\n", req.key)
			return nil
		}
		fmt.Fprintf(out, "DEL %s -> OK\n", req.key)
	}
	return nil
}
