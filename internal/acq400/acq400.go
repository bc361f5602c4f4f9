// Package acq400 talks to a D-tAcq ACQ400-series digitizer over its TCP services:
// one knob (parameter) service per site, on port SitePortBase+site, and one raw data
// service per channel, on port ChannelPortBase+channel.
//
// The knob service is line oriented. A query is "knob\n", a write is "knob=value\n",
// and every command is answered by exactly one line. Replies starting with "ERROR"
// are returned as errors.
package acq400

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Default service ports and buffer size of ACQ400 units.
const (
	DefaultSitePortBase    = 4220
	DefaultChannelPortBase = 53000
	DefaultStreamPort      = 4210
	DefaultMaxBuf          = 8000000
)

// ErrKnob is returned (wrapped) when the unit rejects a knob command.
var ErrKnob = errors.New("acq400 knob error")

// Config says where to find a unit.
type Config struct {
	Host            string
	SitePortBase    int
	ChannelPortBase int
	MaxBuf          int // largest single socket read, in bytes
	DialTimeout     time.Duration
	SitePorts       map[int]int // per-site overrides of SitePortBase+site, for forwarded ports
}

func (c Config) withDefaults() Config {
	if c.SitePortBase == 0 {
		c.SitePortBase = DefaultSitePortBase
	}
	if c.ChannelPortBase == 0 {
		c.ChannelPortBase = DefaultChannelPortBase
	}
	if c.MaxBuf <= 0 {
		c.MaxBuf = DefaultMaxBuf
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// SiteClient is a connection to one site's knob service.
type SiteClient struct {
	Site   int
	conn   net.Conn
	reader *bufio.Reader
	client *Client
	sync.Mutex
}

// Client holds the knob connections of one unit. Site connections are opened on first use.
type Client struct {
	cfg   Config
	sites map[int]*SiteClient
	sync.Mutex
}

// NewClient returns a Client for the unit described by cfg. No connection is made yet.
func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults(), sites: make(map[int]*SiteClient)}
}

// Host returns the unit's host name or address.
func (c *Client) Host() string {
	return c.cfg.Host
}

func (c *Client) dial(ctx context.Context, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(c.cfg.Host, fmt.Sprint(port)))
}

// Site returns the knob client for site n, connecting if needed.
func (c *Client) Site(ctx context.Context, n int) (*SiteClient, error) {
	c.Lock()
	defer c.Unlock()
	if sc, ok := c.sites[n]; ok {
		return sc, nil
	}
	port, ok := c.cfg.SitePorts[n]
	if !ok {
		port = c.cfg.SitePortBase + n
	}
	conn, err := c.dial(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("acq400 site %d: %w", n, err)
	}
	sc := &SiteClient{Site: n, conn: conn, reader: bufio.NewReader(conn), client: c}
	c.sites[n] = sc
	return sc, nil
}

// Get queries a knob on site n.
func (c *Client) Get(ctx context.Context, site int, knob string) (string, error) {
	sc, err := c.Site(ctx, site)
	if err != nil {
		return "", err
	}
	return sc.Get(ctx, knob)
}

// Set writes a knob on site n.
func (c *Client) Set(ctx context.Context, site int, knob, value string) error {
	sc, err := c.Site(ctx, site)
	if err != nil {
		return err
	}
	return sc.Set(ctx, knob, value)
}

// Close closes every open site connection.
func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()
	var errs []error
	for n, sc := range c.sites {
		errs = append(errs, sc.conn.Close())
		delete(c.sites, n)
	}
	return errors.Join(errs...)
}

// watchContext applies ctx's deadline to conn and interrupts blocked I/O when ctx is
// cancelled. The returned function must be called when the I/O is done.
func watchContext(ctx context.Context, conn net.Conn) func() {
	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

// Get queries one knob and returns its value.
func (sc *SiteClient) Get(ctx context.Context, knob string) (string, error) {
	return sc.command(ctx, knob)
}

// Set writes one knob.
func (sc *SiteClient) Set(ctx context.Context, knob, value string) error {
	_, err := sc.command(ctx, fmt.Sprintf("%s=%s", knob, value))
	return err
}

func (sc *SiteClient) command(ctx context.Context, cmd string) (string, error) {
	sc.Lock()
	defer sc.Unlock()
	done := watchContext(ctx, sc.conn)
	defer done()

	if _, err := io.WriteString(sc.conn, cmd+"\n"); err != nil {
		sc.drop()
		return "", fmt.Errorf("acq400 site %d %q: %w", sc.Site, cmd, err)
	}
	line, err := sc.reader.ReadString('\n')
	if err != nil {
		// A late reply would answer the next command, so the connection is not reused.
		sc.drop()
		return "", fmt.Errorf("acq400 site %d %q: %w", sc.Site, cmd, err)
	}
	reply := strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(reply, "ERROR") {
		return "", fmt.Errorf("%w: site %d %q: %s", ErrKnob, sc.Site, cmd, reply)
	}
	return reply, nil
}

// drop closes the connection and forgets it, so the next command on this site
// reconnects.
func (sc *SiteClient) drop() {
	sc.conn.Close()
	if sc.client == nil {
		return
	}
	sc.client.Lock()
	defer sc.client.Unlock()
	if sc.client.sites[sc.Site] == sc {
		delete(sc.client.sites, sc.Site)
	}
}

// ReadChannel reads exactly nbytes of raw data from channel ch. The data arrive in
// socket reads of at most MaxBuf bytes. If the stream ends or the context expires
// first, the bytes received so far are returned together with the error.
func (c *Client) ReadChannel(ctx context.Context, ch, nbytes int) ([]byte, error) {
	conn, err := c.dial(ctx, c.cfg.ChannelPortBase+ch)
	if err != nil {
		return nil, fmt.Errorf("acq400 channel %d: %w", ch, err)
	}
	defer conn.Close()
	done := watchContext(ctx, conn)
	defer done()

	data := make([]byte, nbytes)
	received := 0
	for received < nbytes {
		chunk := min(nbytes-received, c.cfg.MaxBuf)
		n, err := io.ReadFull(conn, data[received:received+chunk])
		received += n
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return data[:received], fmt.Errorf("acq400 channel %d after %d of %d bytes: %w",
				ch, received, nbytes, err)
		}
	}
	return data, nil
}
