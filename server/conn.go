package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pascaldekloe/respkv/command"
	"github.com/pascaldekloe/respkv/pubsub"
	"github.com/pascaldekloe/respkv/resp"
	"github.com/pascaldekloe/respkv/shutdown"
	"github.com/pascaldekloe/respkv/store"
)

// conn owns one accepted connection's framed protocol loop (spec
// component C4): it multiplexes inbound commands with outbound pub/sub
// deliveries, honoring shutdown.
type conn struct {
	netConn net.Conn
	reader  *resp.Reader
	writer  *resp.Writer

	store    *store.Store
	registry *pubsub.Registry
	sig      *shutdown.Signal
	errs     chan<- error

	subs       map[string]*pubsub.Subscription
	deliveries chan delivery
}

type delivery struct {
	channel string
	item    pubsub.Delivery
}

type readResult struct {
	frame resp.Frame
	err   error
}

func newConn(nc net.Conn, st *store.Store, reg *pubsub.Registry, sig *shutdown.Signal, errs chan<- error) *conn {
	return &conn{
		netConn:    nc,
		reader:     resp.NewReader(nc),
		writer:     resp.NewWriter(nc),
		store:      st,
		registry:   reg,
		sig:        sig,
		errs:       errs,
		subs:       make(map[string]*pubsub.Subscription),
		deliveries: make(chan delivery, 64),
	}
}

// serve runs the connection's main loop until the client disconnects,
// a fatal error occurs, or sig fires. It never panics the process: any
// error is translated to connection closure.
func (c *conn) serve() {
	defer c.closeAllSubscriptions()
	defer c.netConn.Close()

	reads := make(chan readResult)
	go c.readLoop(reads)
	defer func() {
		// take whatever readLoop still sends so it can reach its exit
		go func() {
			for range reads {
			}
		}()
	}()

	for {
		select {
		case res, ok := <-reads:
			if !ok {
				return
			}
			if res.err != nil {
				c.handleReadError(res.err)
				return
			}
			if !c.handleFrame(res.frame) {
				return
			}

		case d := <-c.deliveries:
			if !c.writeDelivery(d) {
				return
			}

		case <-c.sig.Done():
			return
		}
	}
}

// readLoop feeds decoded frames to the main loop. It exits after a read
// error or once sig fires. When serve returns, its Close unblocks the
// pending read and serve's deferred drain receives the final result.
func (c *conn) readLoop(reads chan<- readResult) {
	defer close(reads)
	for {
		f, err := c.reader.ReadFrame()
		select {
		case reads <- readResult{frame: f, err: err}:
		case <-c.sig.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		// clean disconnect at a frame boundary
	case errors.Is(err, resp.ErrProtocol):
		c.writer.WriteFrame(resp.Err(fmt.Sprintf("ERR %s", err))) // best effort
	default:
		// Io or ConnectionReset: this package never logs on its own;
		// it surfaces the error on errs for the caller to log.
		c.reportErr(fmt.Errorf("respkv: connection %s: %w", c.netConn.RemoteAddr(), err))
	}
}

// reportErr forwards err to the Supervisor's Errs channel without
// blocking the connection if nobody is reading it.
func (c *conn) reportErr(err error) {
	if c.errs == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}

// handleFrame parses and dispatches one inbound frame, replying on the
// connection as needed. It returns false when the connection must
// close.
func (c *conn) handleFrame(f resp.Frame) bool {
	cmd, err := command.Parse(f)
	if err != nil {
		return c.writeOK(resp.Err(fmt.Sprintf("ERR %s", err)))
	}

	if len(c.subs) > 0 && !allowedInSubscriptionMode(cmd.Kind) {
		return c.writeOK(resp.Err("ERR only SUBSCRIBE / UNSUBSCRIBE / PING are allowed in this context"))
	}

	switch cmd.Kind {
	case command.KindPing:
		return c.dispatchPing(cmd)
	case command.KindGet:
		return c.dispatchGet(cmd)
	case command.KindSet:
		return c.dispatchSet(cmd)
	case command.KindPublish:
		return c.dispatchPublish(cmd)
	case command.KindSubscribe:
		return c.dispatchSubscribe(cmd)
	case command.KindUnsubscribe:
		return c.dispatchUnsubscribe(cmd)
	default:
		return c.writeOK(resp.Err(fmt.Sprintf("ERR unknown command '%s'", cmd.Name)))
	}
}

func allowedInSubscriptionMode(k command.Kind) bool {
	return k == command.KindSubscribe || k == command.KindUnsubscribe || k == command.KindPing
}

func (c *conn) dispatchPing(cmd command.Command) bool {
	if cmd.Message == nil {
		return c.writeOK(resp.Simple("PONG"))
	}
	return c.writeOK(resp.Bulk(cmd.Message))
}

func (c *conn) dispatchGet(cmd command.Command) bool {
	v, ok := c.store.Get(string(cmd.Key))
	if !ok {
		return c.writeOK(resp.Null())
	}
	return c.writeOK(resp.Bulk(v))
}

func (c *conn) dispatchSet(cmd command.Command) bool {
	c.store.Set(string(cmd.Key), cmd.Value, cmd.Expire)
	return c.writeOK(resp.Simple("OK"))
}

func (c *conn) dispatchPublish(cmd command.Command) bool {
	n := c.registry.Publish(string(cmd.Channel), cmd.Value)
	return c.writeOK(resp.Integer(int64(n)))
}

func (c *conn) dispatchSubscribe(cmd command.Command) bool {
	for _, chBytes := range cmd.Channels {
		channel := string(chBytes)
		if _, ok := c.subs[channel]; ok {
			continue
		}

		sub := c.registry.Subscribe(channel)
		c.subs[channel] = sub
		go c.forward(sub)

		reply := resp.Array(resp.BulkString("subscribe"), resp.BulkString(channel), resp.Integer(int64(len(c.subs))))
		if !c.writeOK(reply) {
			return false
		}
	}
	return true
}

func (c *conn) dispatchUnsubscribe(cmd command.Command) bool {
	channels := cmd.Channels
	if len(channels) == 0 {
		for channel := range c.subs {
			channels = append(channels, []byte(channel))
		}
	}

	for _, chBytes := range channels {
		channel := string(chBytes)
		sub, ok := c.subs[channel]
		if !ok {
			continue
		}
		delete(c.subs, channel)
		sub.Unsubscribe()

		reply := resp.Array(resp.BulkString("unsubscribe"), resp.BulkString(channel), resp.Integer(int64(len(c.subs))))
		if !c.writeOK(reply) {
			return false
		}
	}
	return true
}

// forward relays one subscription's deliveries into the connection's
// shared queue — a small aggregator task per subscription, turning a
// dynamic set of channels into one selectable source, since Go has no
// first-class select-across-dynamic-set primitive.
func (c *conn) forward(sub *pubsub.Subscription) {
	for item := range sub.C {
		select {
		case c.deliveries <- delivery{channel: sub.Channel, item: item}:
		case <-c.sig.Done():
			return
		}
	}
}

func (c *conn) writeDelivery(d delivery) bool {
	if d.item.Lagged > 0 {
		return c.writeOK(resp.Err(fmt.Sprintf("ERR subscription to '%s' lagged by %d messages", d.channel, d.item.Lagged)))
	}
	reply := resp.Array(resp.BulkString("message"), resp.BulkString(d.channel), resp.Bulk(d.item.Payload))
	return c.writeOK(reply)
}

// writeOK writes f and reports whether the connection should keep
// going; a write error closes the connection silently.
func (c *conn) writeOK(f resp.Frame) bool {
	if err := c.writer.WriteFrame(f); err != nil {
		return false
	}
	return true
}

func (c *conn) closeAllSubscriptions() {
	for channel, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, channel)
	}
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
