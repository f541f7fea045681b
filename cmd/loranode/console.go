package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/michcald/rfm9x"
)

type radio interface {
	SendToWait(payload []byte, to rfm9x.Address, flags rfm9x.Flags, retries int, id rfm9x.HeaderID) (rfm9x.ReceivedMessage, error)
	RelaySend(payload []byte, to rfm9x.Address, path rfm9x.RelayPath, id rfm9x.HeaderID) (rfm9x.ReceivedMessage, error)
	Stats() rfm9x.Stats
	String() string
}

type journaler interface {
	Dump(ctx context.Context, w io.Writer) (int, error)
	SetDateTime(s string) error
	Dropped() uint64
}

// console executes host commands, one per line, and writes one reply line each.
type console struct {
	dev     radio
	journal journaler
	out     io.Writer
}

func (c *console) serve(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if reply := c.handle(ctx, line); reply != "" {
			_, _ = fmt.Fprintln(c.out, reply)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Console read failed")
	}
}

func (c *console) handle(ctx context.Context, line string) string {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "send":
		to, text, err := parseDest(rest)
		if err != nil {
			return err.Error()
		}
		reply, err := c.dev.SendToWait([]byte(text), to, rfm9x.FlagsPlain, rfm9x.DefaultRetries, 0)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Received,%d,%s", reply.From, reply.Payload)

	case "relay":
		to, rest, err := parseDest(rest)
		if err != nil {
			return err.Error()
		}
		pathArg, text, _ := strings.Cut(rest, " ")
		path, err := parsePath(pathArg)
		if err != nil {
			return err.Error()
		}
		reply, err := c.dev.RelaySend([]byte(text), to, path, 0)
		if err != nil {
			return err.Error()
		}
		from := reply.From
		if len(reply.RelayPath) > 0 {
			from = reply.RelayPath[0]
		}
		return fmt.Sprintf("Received,%d,%s", from, reply.Payload)

	case "broadcast":
		if _, err := c.dev.SendToWait([]byte(rest), rfm9x.BroadcastAddress, rfm9x.FlagsPlain, 0, 0); err != nil {
			return err.Error()
		}
		return "Sent"

	case "log":
		if _, err := c.journal.Dump(ctx, c.out); err != nil {
			return "Log unavailable: " + err.Error()
		}
		return ""

	case "time":
		if err := c.journal.SetDateTime(rest); err != nil {
			return err.Error()
		}
		return "Time set"

	case "status":
		s := c.dev.Stats()
		return fmt.Sprintf("%s received=%d dropped=%d intercepted=%d acks=%d tx=%d lost_events=%d lost_log=%d",
			c.dev, s.Received, s.Dropped, s.Intercepted, s.AcksSent, s.TxCompleted, s.EventsDropped, c.journal.Dropped())

	default:
		return "Unknown command: " + cmd
	}
}

// parseDest splits "<address> <rest>".
func parseDest(s string) (rfm9x.Address, string, error) {
	head, rest, _ := strings.Cut(s, " ")
	a, err := parseAddress(head)
	if err != nil {
		return 0, "", err
	}
	return a, strings.TrimSpace(rest), nil
}

func parseAddress(s string) (rfm9x.Address, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return rfm9x.Address(n), nil
}

// parsePath parses a comma separated relay path such as "1,2,3".
func parsePath(s string) (rfm9x.RelayPath, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("relay path %q needs at least two addresses", s)
	}
	path := make(rfm9x.RelayPath, 0, len(parts))
	for _, p := range parts {
		a, err := parseAddress(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		path = append(path, a)
	}
	return path, nil
}
