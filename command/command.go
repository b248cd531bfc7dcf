// Package command interprets decoded resp.Frame values as the small
// fixed command set respkv understands.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pascaldekloe/respkv/resp"
)

// ErrMalformedCommand signals a well-formed frame with an invalid
// command shape or arity. The wrapped text names the reason.
var ErrMalformedCommand = errors.New("command: malformed")

// Kind identifies which Command variant is populated.
type Kind int

const (
	KindPing Kind = iota
	KindGet
	KindSet
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindUnknown
)

// Command is the typed interpretation of an inbound Array<Bulk> frame.
type Command struct {
	Kind Kind

	// Ping
	Message []byte // optional; nil means no message given

	// Get, Set
	Key []byte

	// Set
	Value  []byte
	Expire time.Duration // zero means no TTL

	// Publish
	Channel []byte

	// Subscribe, Unsubscribe
	Channels [][]byte

	// Unknown
	Name string
}

// Parse interprets f as a Command. f must be an Array of Bulk elements;
// any other shape is ErrMalformedCommand. Arity and typing mistakes for
// a recognized verb are also ErrMalformedCommand — the caller reports
// these to the client as a reply error without closing the connection.
// An unrecognized verb is not an error: it comes back as KindUnknown.
func Parse(f resp.Frame) (Command, error) {
	if f.Kind != resp.KindArray {
		return Command{}, fmt.Errorf("%w: expected an array frame, got %v", ErrMalformedCommand, f.Kind)
	}
	if len(f.Array) == 0 {
		return Command{}, fmt.Errorf("%w: empty command array", ErrMalformedCommand)
	}

	args := make([][]byte, len(f.Array))
	for i, item := range f.Array {
		if item.Kind != resp.KindBulk {
			return Command{}, fmt.Errorf("%w: command element %d is not a bulk string", ErrMalformedCommand, i)
		}
		args[i] = item.Bulk
	}

	name := strings.ToUpper(string(args[0]))
	rest := args[1:]

	switch name {
	case "PING":
		return parsePing(rest)
	case "GET":
		return parseGet(rest)
	case "SET":
		return parseSet(rest)
	case "PUBLISH":
		return parsePublish(rest)
	case "SUBSCRIBE":
		return parseSubscribe(rest)
	case "UNSUBSCRIBE":
		return parseUnsubscribe(rest)
	default:
		return Command{Kind: KindUnknown, Name: string(args[0])}, nil
	}
}

func parsePing(args [][]byte) (Command, error) {
	switch len(args) {
	case 0:
		return Command{Kind: KindPing}, nil
	case 1:
		return Command{Kind: KindPing, Message: args[0]}, nil
	default:
		return Command{}, fmt.Errorf("%w: PING takes 0 or 1 arguments, got %d", ErrMalformedCommand, len(args))
	}
}

func parseGet(args [][]byte) (Command, error) {
	if len(args) != 1 {
		return Command{}, fmt.Errorf("%w: GET takes exactly 1 argument, got %d", ErrMalformedCommand, len(args))
	}
	return Command{Kind: KindGet, Key: args[0]}, nil
}

func parseSet(args [][]byte) (Command, error) {
	if len(args) != 2 && len(args) != 3 {
		return Command{}, fmt.Errorf("%w: SET takes 2 or 3 arguments, got %d", ErrMalformedCommand, len(args))
	}
	cmd := Command{Kind: KindSet, Key: args[0], Value: args[1]}
	if len(args) == 3 {
		ms, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: SET expire %q is not an integer", ErrMalformedCommand, args[2])
		}
		if ms <= 0 {
			return Command{}, fmt.Errorf("%w: SET expire must be a positive number of milliseconds, got %d", ErrMalformedCommand, ms)
		}
		cmd.Expire = time.Duration(ms) * time.Millisecond
	}
	return cmd, nil
}

func parsePublish(args [][]byte) (Command, error) {
	if len(args) != 2 {
		return Command{}, fmt.Errorf("%w: PUBLISH takes exactly 2 arguments, got %d", ErrMalformedCommand, len(args))
	}
	return Command{Kind: KindPublish, Channel: args[0], Value: args[1]}, nil
}

func parseSubscribe(args [][]byte) (Command, error) {
	if len(args) == 0 {
		return Command{}, fmt.Errorf("%w: SUBSCRIBE takes at least 1 argument", ErrMalformedCommand)
	}
	return Command{Kind: KindSubscribe, Channels: args}, nil
}

func parseUnsubscribe(args [][]byte) (Command, error) {
	return Command{Kind: KindUnsubscribe, Channels: args}, nil
}

// Encode builds the Array<Bulk> frame a client would send for cmd. It is
// the mirror of Parse, used by tests and by cmd/respkv-cli.
func Encode(cmd Command) resp.Frame {
	switch cmd.Kind {
	case KindPing:
		if cmd.Message == nil {
			return resp.ArrayOfBulk("PING")
		}
		return resp.Array(resp.BulkString("PING"), resp.Bulk(cmd.Message))
	case KindGet:
		return resp.Array(resp.BulkString("GET"), resp.Bulk(cmd.Key))
	case KindSet:
		items := []resp.Frame{resp.BulkString("SET"), resp.Bulk(cmd.Key), resp.Bulk(cmd.Value)}
		if cmd.Expire > 0 {
			ms := cmd.Expire.Milliseconds()
			items = append(items, resp.BulkString(strconv.FormatInt(ms, 10)))
		}
		return resp.Array(items...)
	case KindPublish:
		return resp.Array(resp.BulkString("PUBLISH"), resp.Bulk(cmd.Channel), resp.Bulk(cmd.Value))
	case KindSubscribe:
		items := make([]resp.Frame, 0, len(cmd.Channels)+1)
		items = append(items, resp.BulkString("SUBSCRIBE"))
		for _, ch := range cmd.Channels {
			items = append(items, resp.Bulk(ch))
		}
		return resp.Array(items...)
	case KindUnsubscribe:
		items := make([]resp.Frame, 0, len(cmd.Channels)+1)
		items = append(items, resp.BulkString("UNSUBSCRIBE"))
		for _, ch := range cmd.Channels {
			items = append(items, resp.Bulk(ch))
		}
		return resp.Array(items...)
	default:
		return resp.ArrayOfBulk(cmd.Name)
	}
}
