// Package remote runs fleet commands and transfers over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/synthmsg/botfleet/internal/core"
	gssh "github.com/synthmsg/botfleet/internal/ssh"
)

// DefaultPoolSize bounds concurrent SSH sessions when Options.PoolSize is unset.
const DefaultPoolSize = 100

type Options struct {
	User       string
	Port       int
	Auth       []xssh.AuthMethod
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	PoolSize   int
	// Verify compares a sha256 of each downloaded file with the remote copy.
	Verify bool
	Dialer gssh.Dialer
}

// Executor implements core.Executor with one SSH connection per host and
// command.
type Executor struct {
	opts Options
}

var _ core.Executor = (*Executor)(nil)

func New(opts Options) *Executor {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	return &Executor{opts: opts}
}

// addr appends the configured port unless host already carries one.
func (e *Executor) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.opts.Port))
}

func (e *Executor) client(host string) *gssh.Client {
	return &gssh.Client{
		Addr:       e.addr(host),
		User:       e.opts.User,
		Auth:       e.opts.Auth,
		KnownHosts: e.opts.KnownHosts,
		Timeout:    e.opts.Timeout,
		Retries:    e.opts.Retries,
		Dialer:     e.opts.Dialer,
	}
}

// Dial opens a connection to host for callers that need more than one
// session, such as port forwarding.
func (e *Executor) Dial(ctx context.Context, host string) (*xssh.Client, error) {
	cli, err := gssh.Dial(ctx, e.client(host))
	if err != nil {
		return nil, &core.Error{Kind: core.KindConnection, Target: host, Err: err}
	}
	return cli, nil
}

// RunOne runs command on host. Connection failures are returned as errors;
// anything after the session is up ends in the outcome.
func (e *Executor) RunOne(ctx context.Context, host, command string) (core.Outcome, error) {
	cli, err := e.Dial(ctx, host)
	if err != nil {
		return core.Outcome{}, err
	}
	defer cli.Close()

	res, err := gssh.Run(cli, command)
	out := core.Outcome{Host: host, Stdout: core.SplitLines(res.Stdout)}
	var exitErr *xssh.ExitError
	switch {
	case err == nil:
		out.ExitStatus = core.ExitCode(0)
	case errors.As(err, &exitErr):
		out.ExitStatus = core.ExitCode(res.ExitStatus)
		log.Debug().Str("host", host).Int("exit", res.ExitStatus).Bytes("stderr", res.Stderr).Msg("command exited non-zero")
	default:
		out.Err = &core.Error{Kind: core.KindRemoteExecution, Target: host, Err: err}
	}
	return out, nil
}

// RunConcurrent runs command on every host with at most PoolSize sessions in
// flight. It returns one outcome per host, in host order.
func (e *Executor) RunConcurrent(ctx context.Context, hosts []string, command string) []core.Outcome {
	outcomes := make([]core.Outcome, len(hosts))
	sem := semaphore.NewWeighted(int64(e.opts.PoolSize))
	var group errgroup.Group
	for i, host := range hosts {
		i, host := i, host
		group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = core.Outcome{Host: host, Err: &core.Error{Kind: core.KindConnection, Target: host, Err: fmt.Errorf("acquire slot: %w", err)}}
				return nil
			}
			defer sem.Release(1)

			out, err := e.RunOne(ctx, host, command)
			if err != nil {
				log.Warn().Err(err).Str("host", host).Msg("host unreachable")
				out = core.Outcome{Host: host, Err: err}
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}
