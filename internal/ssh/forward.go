package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Forward listens on localAddr and tunnels every accepted connection to
// remoteAddr as seen from the SSH server, until ctx is done.
func Forward(ctx context.Context, client *xssh.Client, localAddr, remoteAddr string) error {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", localAddr, err)
	}
	return Serve(ctx, ln, client, remoteAddr)
}

// Serve is Forward on an existing listener. The listener is closed on return
// and open tunnels are torn down once ctx is done.
func Serve(ctx context.Context, ln net.Listener, client *xssh.Client, remoteAddr string) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		local, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer local.Close()
			remote, err := client.Dial("tcp", remoteAddr)
			if err != nil {
				log.Warn().Err(err).Str("remote", remoteAddr).Msg("tunnel dial failed")
				return
			}
			defer remote.Close()
			pipe(ctx, local, remote)
		}()
	}
}

// pipe copies both ways until one side finishes or ctx is done. The caller
// closes both conns, which releases the other copier.
func pipe(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	select {
	case <-done:
	case <-ctx.Done():
	}
}
