// Package irc implements the IRC transport adapter on top of stdlib
// net/bufio/crypto-tls: a single persistent connection speaking the
// RFC 1459 subset the bot needs (PRIVMSG/JOIN/PING-PONG/NOTICE).
package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/channels"
	"github.com/oakmoss/steerbot/internal/queue"
)

// maxLineLen is IRC's traditional message-line cap (512 bytes including
// CRLF); conservative wrap point for outbound PRIVMSGs.
const maxLineLen = 440

// Config configures the IRC adapter.
type Config struct {
	Server    string // host:port
	TLS       bool
	Nick      string
	User      string
	RealName  string
	Password  string // server password (PASS), optional
	Channels  []string
	AllowFrom []string
	ServerTag string
}

// Channel connects to an IRC network over a single persistent connection.
// Inbound PRIVMSGs flow through an async queue so a slow dispatch
// (history writes, classification) never backs up the socket read loop.
type Channel struct {
	*channels.BaseChannel
	cfg   Config
	conn  net.Conn
	w     *bufio.Writer
	inbox *queue.AsyncQueue[bus.RoomMessage]
	mu    sync.Mutex // guards conn/w during writes
}

// New creates an IRC channel. dispatch receives every accepted inbound
// message.
func New(cfg Config, dispatch channels.Dispatch) *Channel {
	if cfg.ServerTag == "" {
		cfg.ServerTag = cfg.Server
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("irc", dispatch, cfg.AllowFrom),
		cfg:         cfg,
		inbox:       queue.New[bus.RoomMessage](),
	}
}

// Start dials the server, registers, joins configured channels, and
// begins the read loop in the background.
func (c *Channel) Start(ctx context.Context) error {
	var conn net.Conn
	var err error
	if c.cfg.TLS {
		conn, err = tls.Dial("tcp", c.cfg.Server, &tls.Config{ServerName: hostOnly(c.cfg.Server)})
	} else {
		conn, err = net.Dial("tcp", c.cfg.Server)
	}
	if err != nil {
		return fmt.Errorf("irc: dial %s: %w", c.cfg.Server, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.mu.Unlock()

	if c.cfg.Password != "" {
		c.writeLine("PASS " + c.cfg.Password)
	}
	c.writeLine(fmt.Sprintf("NICK %s", c.cfg.Nick))
	realName := c.cfg.RealName
	if realName == "" {
		realName = c.cfg.Nick
	}
	c.writeLine(fmt.Sprintf("USER %s 0 * :%s", orDefault(c.cfg.User, c.cfg.Nick), realName))

	c.SetRunning(true)
	go c.readLoop(ctx, conn)
	go c.dispatchLoop(ctx)
	return nil
}

// Stop closes the connection and drains the inbox so the dispatch loop
// exits.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.inbox.Drain(bus.RoomMessage{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.writeLineLocked("QUIT :disconnecting")
	return c.conn.Close()
}

// dispatchLoop takes parsed messages off the inbox and hands them to the
// coordinator, one at a time, until the inbox is drained.
func (c *Channel) dispatchLoop(ctx context.Context) {
	for {
		msg, ok := c.inbox.Take()
		if !ok {
			return
		}
		c.Deliver(ctx, msg)
	}
}

// Send delivers a PRIVMSG, splitting on line boundaries first and then
// hard-wrapping any remaining over-length line at maxLineLen.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("irc: channel not running")
	}
	target := msg.Arc.ChannelName
	if target == "" {
		return fmt.Errorf("irc: empty target")
	}
	for _, line := range strings.Split(msg.Text, "\n") {
		for len(line) > 0 {
			chunk := line
			if len(chunk) > maxLineLen {
				chunk = line[:maxLineLen]
				line = line[maxLineLen:]
			} else {
				line = ""
			}
			if chunk == "" {
				continue
			}
			c.writeLine(fmt.Sprintf("PRIVMSG %s :%s", target, chunk))
		}
	}
	return nil
}

// readLoop parses incoming IRC lines until the connection closes or ctx
// is canceled.
func (c *Channel) readLoop(ctx context.Context, conn net.Conn) {
	r := bufio.NewScanner(conn)
	r.Buffer(make([]byte, 0, 4096), 65536)
	registered := false
	for r.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimRight(r.Text(), "\r\n")
		if line == "" {
			continue
		}
		msg := parseLine(line)

		switch msg.command {
		case "PING":
			c.writeLine("PONG :" + msg.trailing)
		case "001": // RPL_WELCOME: registration complete, safe to join
			if !registered {
				registered = true
				for _, ch := range c.cfg.Channels {
					c.writeLine("JOIN " + ch)
				}
			}
		case "PRIVMSG":
			c.handlePrivmsg(msg)
		case "ERROR":
			slog.Warn("irc: server error", "text", msg.trailing)
		}
	}
	c.SetRunning(false)
	if err := r.Err(); err != nil {
		slog.Error("irc: read loop ended", "err", err)
	}
}

func (c *Channel) handlePrivmsg(m ircMessage) {
	if len(m.params) == 0 {
		return
	}
	target := m.params[0]
	nick := m.nick
	if nick == c.cfg.Nick {
		return
	}

	// A query (PRIVMSG targeting our own nick) is always direct; in a
	// channel, only an explicit "mynick:"/"mynick," address prefix counts
	// — anything else is passive traffic for the coordinator's passive path.
	isQuery := strings.EqualFold(target, c.cfg.Nick)
	direct := isQuery || addressesNick(m.trailing, c.cfg.Nick)

	// For a query the reply target is the sender's nick, not the PRIVMSG
	// target (which is us).
	if isQuery {
		target = nick
	}

	c.inbox.Push(bus.RoomMessage{
		Arc:     bus.Arc{ServerTag: c.cfg.ServerTag, ChannelName: target},
		Nick:    nick,
		MyNick:  c.cfg.Nick,
		Content: m.trailing,
		Direct:  direct,
	})
}

func (c *Channel) writeLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLineLocked(line)
}

func (c *Channel) writeLineLocked(line string) {
	if c.w == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		slog.Error("irc: write failed", "err", err)
		return
	}
	if err := c.w.Flush(); err != nil {
		slog.Error("irc: flush failed", "err", err)
	}
}

type ircMessage struct {
	nick     string
	user     string
	host     string
	command  string
	params   []string
	trailing string
}

// parseLine parses a single IRC protocol line per RFC 1459 §2.3.1:
// [":" prefix SPACE] command [params] [SPACE ":" trailing]
func parseLine(line string) ircMessage {
	var m ircMessage
	if strings.HasPrefix(line, ":") {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return m
		}
		prefix := line[1:sp]
		line = strings.TrimLeft(line[sp:], " ")
		if bang := strings.IndexByte(prefix, '!'); bang >= 0 {
			m.nick = prefix[:bang]
			rest := prefix[bang+1:]
			if at := strings.IndexByte(rest, '@'); at >= 0 {
				m.user, m.host = rest[:at], rest[at+1:]
			}
		} else {
			m.nick = prefix
		}
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		m.trailing = line[idx+2:]
		line = line[:idx]
	} else if strings.HasPrefix(line, ":") {
		m.trailing = line[1:]
		line = ""
	}

	fields := strings.Fields(line)
	if len(fields) > 0 {
		m.command = strings.ToUpper(fields[0])
		m.params = fields[1:]
	}
	return m
}

// addressesNick reports whether content opens with "nick:" or "nick,"
// (optionally preceded by whitespace), the conventional IRC way of
// addressing a specific user in a channel.
func addressesNick(content, nick string) bool {
	trimmed := strings.TrimLeft(content, " \t")
	if !strings.HasPrefix(strings.ToLower(trimmed), strings.ToLower(nick)) {
		return false
	}
	rest := trimmed[len(nick):]
	return strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, ",")
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
