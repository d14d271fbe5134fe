package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/synthmsg/botfleet/internal/core"
	gssh "github.com/synthmsg/botfleet/internal/ssh"
)

// HostPlaceholder is replaced by the host in local download paths.
const HostPlaceholder = "{host}"

// LocalPath expands localTemplate for host. Templates without the
// placeholder get the host appended to the file stem so hosts never share a
// destination.
func LocalPath(localTemplate, host string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "[", "", "]", "").Replace(host)
	if strings.Contains(localTemplate, HostPlaceholder) {
		return strings.ReplaceAll(localTemplate, HostPlaceholder, safe)
	}
	ext := filepath.Ext(localTemplate)
	return strings.TrimSuffix(localTemplate, ext) + "_" + safe + ext
}

// transfers joins a batch of pulls. Every host keeps its own error.
type transfers struct {
	group errgroup.Group
	errs  []error
}

// Wait blocks until every transfer has finished and returns their failures
// joined, in host order.
func (t *transfers) Wait() error {
	_ = t.group.Wait()
	return errors.Join(t.errs...)
}

// CopyFromRemote starts pulling remotePath from every host and returns at
// once. Every transfer runs to completion whatever the others do.
func (e *Executor) CopyFromRemote(ctx context.Context, hosts []string, remotePath, localTemplate string) core.Waiter {
	sem := semaphore.NewWeighted(int64(e.opts.PoolSize))
	t := &transfers{errs: make([]error, len(hosts))}
	for i, host := range hosts {
		i, host := i, host
		t.group.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				t.errs[i] = &core.Error{Kind: core.KindTransfer, Target: host, Err: err}
				return nil
			}
			defer sem.Release(1)
			t.errs[i] = e.pull(ctx, host, remotePath, LocalPath(localTemplate, host))
			return nil
		})
	}
	return t
}

func (e *Executor) pull(ctx context.Context, host, remotePath, localPath string) error {
	cli, err := e.Dial(ctx, host)
	if err != nil {
		return &core.Error{Kind: core.KindTransfer, Target: host, Err: err}
	}
	defer cli.Close()

	n, err := gssh.PullFile(ctx, cli, remotePath, localPath)
	if err != nil {
		return &core.Error{Kind: core.KindTransfer, Target: host, Err: err}
	}
	if e.opts.Verify {
		if err := verifyChecksum(cli, remotePath, localPath); err != nil {
			_ = os.Remove(localPath)
			return &core.Error{Kind: core.KindTransfer, Target: host, Err: err}
		}
	}
	log.Info().Str("host", host).Str("file", localPath).Str("size", humanize.Bytes(uint64(n))).Msg("downloaded")
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyChecksum(cli *xssh.Client, remotePath, localPath string) error {
	want, err := fileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}
	res, err := gssh.Run(cli, "sha256sum "+shellQuote(remotePath)+" | cut -d' ' -f1")
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(string(res.Stdout))
	if got != want {
		return fmt.Errorf("checksum mismatch: local %s, remote %s", want, got)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
