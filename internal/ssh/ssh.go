package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

// DialError means the host could not be reached or refused the handshake.
// No command ran.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("ssh dial %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

type Client struct {
	Addr       string
	User       string
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

// Result is what a finished remote command produced.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if len(c.Auth) == 0 {
		return nil, errors.New("ssh: auth method required")
	}
	hk := c.KnownHosts
	if hk == nil {
		hk = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            c.Auth,
		HostKeyCallback: hk,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying the handshake up to c.Retries
// times. The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = NetDialer{Timeout: c.Timeout}
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		cli, err := dialOnce(ctx, dialer, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("host", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		if attempt < c.Retries {
			select {
			case <-ctx.Done():
				return nil, &DialError{Addr: c.Addr, Err: ctx.Err()}
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, &DialError{Addr: c.Addr, Err: lastErr}
}

func dialOnce(ctx context.Context, dialer Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sc, chans, reqs), nil
}

// Run executes command in a fresh session on cli. A non-zero exit is reported
// both in Result.ExitStatus and as a *xssh.ExitError.
func Run(cli *xssh.Client, command string) (Result, error) {
	session, err := cli.NewSession()
	if err != nil {
		return Result{ExitStatus: -1}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(command)
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *xssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
		return res, err
	default:
		res.ExitStatus = -1
		return res, fmt.Errorf("run command: %w", err)
	}
}
