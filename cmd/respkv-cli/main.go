// Command respkv-cli is a one-shot client for respkv-server: dial,
// issue one request, format the reply, exit.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pascaldekloe/respkv/command"
	"github.com/pascaldekloe/respkv/resp"
)

var addrFlag = flag.String("addr", "localhost:6379", "Server `address`.")

// client is a minimal RESP round-tripper over one TCP connection.
type client struct {
	nc net.Conn
	r  *resp.Reader
	w  *resp.Writer
}

func dial(addr string) (*client, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &client{nc: nc, r: resp.NewReader(nc), w: resp.NewWriter(nc)}, nil
}

func (c *client) Close() error { return c.nc.Close() }

func main() {
	flag.Usage = func() {
		os.Stderr.WriteString(`NAME
	respkv-cli — talk to a respkv-server instance

SYNOPSIS
	respkv-cli [ options ] get KEY
	respkv-cli [ options ] set KEY VALUE [ EXPIRE_MS ]
	respkv-cli [ options ] ping [ MESSAGE ]
	respkv-cli [ options ] publish CHANNEL MESSAGE
	respkv-cli [ options ] subscribe CHANNEL [ CHANNEL ... ]
	respkv-cli [ options ] unsubscribe [ CHANNEL ... ]

DESCRIPTION
	The following options are available:

`)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	verb, rest := args[0], args[1:]
	cmd, err := build(verb, rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "respkv-cli:", err)
		os.Exit(1)
	}

	conn, err := dial(*addrFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "respkv-cli:", err)
		os.Exit(4)
	}
	defer conn.Close()

	if err := conn.w.WriteFrame(command.Encode(cmd)); err != nil {
		fmt.Fprintln(os.Stderr, "respkv-cli: write:", err)
		os.Exit(255)
	}

	if cmd.Kind == command.KindSubscribe {
		streamDeliveries(conn, len(cmd.Channels))
		return
	}

	reply, err := conn.r.ReadFrame()
	if err != nil {
		fmt.Fprintln(os.Stderr, "respkv-cli: read:", err)
		os.Exit(255)
	}
	printFrame(os.Stdout, reply)
}

func build(verb string, args []string) (command.Command, error) {
	switch verb {
	case "ping":
		switch len(args) {
		case 0:
			return command.Command{Kind: command.KindPing}, nil
		case 1:
			return command.Command{Kind: command.KindPing, Message: []byte(args[0])}, nil
		}
	case "get":
		if len(args) == 1 {
			return command.Command{Kind: command.KindGet, Key: []byte(args[0])}, nil
		}
	case "set":
		if len(args) == 2 {
			return command.Command{Kind: command.KindSet, Key: []byte(args[0]), Value: []byte(args[1])}, nil
		}
		if len(args) == 3 {
			ms, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return command.Command{}, fmt.Errorf("invalid EXPIRE_MS %q: %w", args[2], err)
			}
			return command.Command{Kind: command.KindSet, Key: []byte(args[0]), Value: []byte(args[1]),
				Expire: time.Duration(ms) * time.Millisecond}, nil
		}
	case "publish":
		if len(args) == 2 {
			return command.Command{Kind: command.KindPublish, Channel: []byte(args[0]), Value: []byte(args[1])}, nil
		}
	case "subscribe":
		if len(args) >= 1 {
			return command.Command{Kind: command.KindSubscribe, Channels: toBytes(args)}, nil
		}
	case "unsubscribe":
		return command.Command{Kind: command.KindUnsubscribe, Channels: toBytes(args)}, nil
	}
	return command.Command{}, fmt.Errorf("usage error for %q", verb)
}

func toBytes(args []string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

// streamDeliveries prints the n subscribe-confirmation frames, then
// streams message deliveries until the connection closes (typically by
// interrupt).
func streamDeliveries(conn *client, n int) {
	for i := 0; i < n; i++ {
		f, err := conn.r.ReadFrame()
		if err != nil {
			fmt.Fprintln(os.Stderr, "respkv-cli: read:", err)
			os.Exit(255)
		}
		printFrame(os.Stdout, f)
	}
	for {
		f, err := conn.r.ReadFrame()
		if err != nil {
			return
		}
		printFrame(os.Stdout, f)
	}
}

func printFrame(w *os.File, f resp.Frame) {
	switch f.Kind {
	case resp.KindSimple:
		fmt.Fprintln(w, "+"+f.Str)
	case resp.KindError:
		fmt.Fprintln(w, "-"+f.Str)
	case resp.KindInt:
		fmt.Fprintln(w, f.Int)
	case resp.KindNull:
		fmt.Fprintln(w, "(nil)")
	case resp.KindBulk:
		fmt.Fprintln(w, string(f.Bulk))
	case resp.KindArray:
		for _, item := range f.Array {
			printFrame(w, item)
		}
	}
}
