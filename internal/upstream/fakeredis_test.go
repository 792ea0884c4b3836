package upstream

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRedis speaks enough RESP2 for go-redis to ping, subscribe and publish.
type fakeRedis struct {
	ln net.Listener

	// silent stops replies to pings on subscribed connections, as a
	// half-open connection would.
	silent atomic.Bool

	mu    sync.Mutex
	conns []*respConn
	subs  map[string][]*respConn
}

type respConn struct {
	net.Conn
	mu         sync.Mutex
	subscribed bool
}

func (c *respConn) reply(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.Conn, s)
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRedis{ln: ln, subs: make(map[string][]*respConn)}
	go f.accept()
	t.Cleanup(f.close)
	return f
}

func (f *fakeRedis) addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) accept() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		rc := &respConn{Conn: c}
		f.mu.Lock()
		f.conns = append(f.conns, rc)
		f.mu.Unlock()
		go f.serve(rc)
	}
}

func (f *fakeRedis) close() {
	f.ln.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func (f *fakeRedis) serve(c *respConn) {
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil {
			c.Close()
			return
		}
		f.exec(c, args)
	}
}

func (f *fakeRedis) exec(c *respConn, args []string) {
	switch strings.ToLower(args[0]) {
	case "ping":
		switch {
		case !c.subscribed:
			c.reply("+PONG\r\n")
		case !f.silent.Load():
			c.reply("*2\r\n" + bulk("pong") + bulk(""))
		}
	case "subscribe":
		channels := args[1:]
		f.mu.Lock()
		for _, ch := range channels {
			f.subs[ch] = append(f.subs[ch], c)
		}
		f.mu.Unlock()
		c.subscribed = true
		for i, ch := range channels {
			c.reply(fmt.Sprintf("*3\r\n%s%s:%d\r\n", bulk("subscribe"), bulk(ch), i+1))
		}
	case "publish":
		c.reply(fmt.Sprintf(":%d\r\n", f.publish(args[1], args[2])))
	default:
		c.reply("-ERR unknown command '" + args[0] + "'\r\n")
	}
}

func (f *fakeRedis) publish(channel, payload string) int {
	f.mu.Lock()
	subs := append([]*respConn(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, c := range subs {
		c.reply("*3\r\n" + bulk("message") + bulk(channel) + bulk(payload))
	}
	return len(subs)
}

func bulk(s string) string {
	return "$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n"
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		hdr, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(hdr, "$") {
			return nil, fmt.Errorf("expected bulk string, got %q", hdr)
		}
		size, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, fmt.Errorf("bad bulk header %q", hdr)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
