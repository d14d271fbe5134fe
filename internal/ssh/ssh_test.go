package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/synthmsg/botfleet/internal/ssh/sshtest"
)

func testClient(addr string) *Client {
	return &Client{
		Addr:    addr,
		User:    "bot",
		Auth:    []xssh.AuthMethod{xssh.Password("unused")},
		Timeout: 2 * time.Second,
	}
}

func TestRunExitStatus(t *testing.T) {
	srv := sshtest.NewServer(t, func(cmd string) (string, int) {
		if cmd == "false" {
			return "", 3
		}
		return "hello\nworld\n", 0
	})
	cli, err := Dial(context.Background(), testClient(srv.Addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	res, err := Run(cli, "echo hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitStatus != 0 || string(res.Stdout) != "hello\nworld\n" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = Run(cli, "false")
	var exitErr *xssh.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if res.ExitStatus != 3 {
		t.Fatalf("exit status %d", res.ExitStatus)
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), testClient(addr))
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if dialErr.Addr != addr {
		t.Fatalf("dial error addr %q", dialErr.Addr)
	}
}

func TestPullFile(t *testing.T) {
	srv := sshtest.NewServer(t, func(string) (string, int) { return "", 0 })
	remote := filepath.Join(t.TempDir(), "remote.mkv")
	if err := os.WriteFile(remote, []byte("frames"), 0600); err != nil {
		t.Fatalf("write remote: %v", err)
	}
	cli, err := Dial(context.Background(), testClient(srv.Addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	local := filepath.Join(t.TempDir(), "out", "local.mkv")
	n, err := PullFile(context.Background(), cli, remote, local)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	got, _ := os.ReadFile(local)
	if n != 6 || string(got) != "frames" {
		t.Fatalf("pulled %d bytes: %q", n, got)
	}

	if _, err := PullFile(context.Background(), cli, remote+".missing", local+".2"); err == nil {
		t.Fatalf("expected error for missing remote file")
	}
	if _, err := os.Stat(local + ".2"); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

// startTunnel runs Serve against a loopback echo server and returns the local
// tunnel address.
func startTunnel(t *testing.T) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { echo.Close() })
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	srv := sshtest.NewServer(t, func(string) (string, int) { return "", 0 })
	cli, err := Dial(context.Background(), testClient(srv.Addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, cli, echo.Addr().String()) }()
	return ln.Addr().String(), cancel, done
}

func echoOnce(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(buf)) != "ping" {
		t.Fatalf("echo mismatch %q", buf)
	}
}

func TestForward(t *testing.T) {
	addr, cancel, done := startTunnel(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	echoOnce(t, conn)
	conn.Close()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestForwardCancelClosesOpenTunnels(t *testing.T) {
	addr, cancel, done := startTunnel(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()
	echoOnce(t, conn)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve still running with a tunnel open after cancel")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("tunnel conn still open after cancel")
	}
}
