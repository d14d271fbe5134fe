package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/synthmsg/botfleet/internal/core"
	"github.com/synthmsg/botfleet/internal/ssh/sshtest"
)

func testExecutor(verify bool) *Executor {
	return New(Options{
		User:     "bot",
		Auth:     []xssh.AuthMethod{xssh.Password("unused")},
		Timeout:  2 * time.Second,
		PoolSize: 2,
		Verify:   verify,
	})
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func echoHandler(cmd string) (string, int) {
	if cmd == "false" {
		return "", 1
	}
	return "ran " + cmd + "\n", 0
}

func TestRunConcurrentWithUnreachableHost(t *testing.T) {
	a := sshtest.NewServer(t, echoHandler)
	b := sshtest.NewServer(t, echoHandler)
	dead := closedAddr(t)

	outcomes := testExecutor(false).RunConcurrent(context.Background(), []string{a.Addr, dead, b.Addr}, "uptime")
	require.Len(t, outcomes, 3)

	byHost := map[string]core.Outcome{}
	for _, o := range outcomes {
		byHost[o.Host] = o
	}
	assert.Equal(t, []string{"ran uptime"}, byHost[a.Addr].Stdout)
	assert.Equal(t, []string{"ran uptime"}, byHost[b.Addr].Stdout)
	assert.True(t, core.IsKind(byHost[dead].Err, core.KindConnection))
	assert.Nil(t, byHost[dead].ExitStatus)
	assert.Equal(t, []string{"uptime"}, a.Commands())
}

func TestRunOne(t *testing.T) {
	srv := sshtest.NewServer(t, echoHandler)
	e := testExecutor(false)

	out, err := e.RunOne(context.Background(), srv.Addr, "false")
	require.NoError(t, err)
	require.NotNil(t, out.ExitStatus)
	assert.Equal(t, 1, *out.ExitStatus)
	assert.True(t, out.Failed())

	out, err = e.RunOne(context.Background(), srv.Addr, "hostname")
	require.NoError(t, err)
	assert.Equal(t, 0, *out.ExitStatus)
	assert.False(t, out.Failed())

	_, err = e.RunOne(context.Background(), closedAddr(t), "hostname")
	assert.True(t, core.IsKind(err, core.KindConnection))
}

func TestAddrUsesConfiguredPort(t *testing.T) {
	e := New(Options{Port: 2222})
	assert.Equal(t, "10.0.0.1:2222", e.addr("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:22", e.addr("10.0.0.1:22"))
	assert.Equal(t, "[2001:db8::1]:2222", e.addr("2001:db8::1"))
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "rec/10.0.0.1.mkv", LocalPath("rec/{host}.mkv", "10.0.0.1"))
	assert.Equal(t, "rec/all_10.0.0.1.mkv", LocalPath("rec/all.mkv", "10.0.0.1"))
	assert.Equal(t, "127.0.0.1_2200.mkv", LocalPath("{host}.mkv", "127.0.0.1:2200"))
}

func TestCopyFromRemote(t *testing.T) {
	remoteDir := t.TempDir()
	content := []byte("fake matroska bytes")
	remote := filepath.Join(remoteDir, "combined.mkv")
	require.NoError(t, os.WriteFile(remote, content, 0600))
	sum := sha256.Sum256(content)

	handler := func(cmd string) (string, int) {
		if strings.HasPrefix(cmd, "sha256sum ") {
			return hex.EncodeToString(sum[:]) + "\n", 0
		}
		return "", 127
	}
	a := sshtest.NewServer(t, handler)
	b := sshtest.NewServer(t, handler)
	local := t.TempDir()

	w := testExecutor(true).CopyFromRemote(context.Background(), []string{a.Addr, b.Addr}, remote, filepath.Join(local, "{host}.mkv"))
	require.NoError(t, w.Wait())

	for _, srv := range []*sshtest.Server{a, b} {
		got, err := os.ReadFile(LocalPath(filepath.Join(local, "{host}.mkv"), srv.Addr))
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestCopyFromRemoteChecksumMismatch(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "combined.mkv")
	require.NoError(t, os.WriteFile(remote, []byte("data"), 0600))
	srv := sshtest.NewServer(t, func(string) (string, int) { return "deadbeef\n", 0 })
	local := filepath.Join(t.TempDir(), "{host}.mkv")

	err := testExecutor(true).CopyFromRemote(context.Background(), []string{srv.Addr}, remote, local).Wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransfer))
	_, statErr := os.Stat(LocalPath(local, srv.Addr))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCopyFromRemoteAttemptsEveryHost(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "combined.mkv")
	require.NoError(t, os.WriteFile(remote, []byte("data"), 0600))
	ok := sshtest.NewServer(t, echoHandler)
	dead := closedAddr(t)
	gone := closedAddr(t)
	local := filepath.Join(t.TempDir(), "{host}.mkv")

	err := testExecutor(false).CopyFromRemote(context.Background(), []string{dead, ok.Addr, gone}, remote, local).Wait()
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransfer))
	assert.True(t, core.IsKind(err, core.KindConnection))
	assert.Contains(t, err.Error(), dead)
	assert.Contains(t, err.Error(), gone)

	_, statErr := os.Stat(LocalPath(local, ok.Addr))
	assert.NoError(t, statErr)
}
