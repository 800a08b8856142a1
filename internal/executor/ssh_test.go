package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type execReply struct {
	stdout string
	stderr string
	code   uint32
	delay  time.Duration
}

type testSSHServer struct {
	addr    string
	hostKey ssh.PublicKey
}

// startSSHServer runs a minimal exec-only SSH server accepting admin/secret
func startSSHServer(t *testing.T, reply func(cmd string) execReply) *testSSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stop := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, cfg, reply, stop)
		}
	}()
	return &testSSHServer{addr: ln.Addr().String(), hostKey: signer.PublicKey()}
}

func serveSSHConn(conn net.Conn, cfg *ssh.ServerConfig, reply func(string) execReply, stop <-chan struct{}) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)
				r := reply(payload.Command)
				if r.delay > 0 {
					select {
					case <-time.After(r.delay):
					case <-stop:
						return
					}
				}
				_, _ = ch.Write([]byte(r.stdout))
				_, _ = ch.Stderr().Write([]byte(r.stderr))
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.code}))
				return
			}
		}()
	}
}

func (s *testSSHServer) credential() *model.SSHCredential {
	return &model.SSHCredential{
		DeviceID: "R1",
		Address:  s.addr,
		Username: "admin",
		Password: "secret",
		HostKey:  string(ssh.MarshalAuthorizedKey(s.hostKey)),
	}
}

func TestSSHRunner_Run(t *testing.T) {
	srv := startSSHServer(t, func(cmd string) execReply {
		switch cmd {
		case "uptime":
			return execReply{stdout: "up 3 days\n"}
		default:
			return execReply{stderr: "not found\n", code: 127}
		}
	})
	r := NewSSHRunner(SSHConfig{ConnectTimeout: 2 * time.Second})

	res, err := r.Run(context.Background(), srv.credential(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "up 3 days\n", res.Stdout)

	res, err = r.Run(context.Background(), srv.credential(), "bogus")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitCode)
	assert.Equal(t, "not found\n", res.Stderr)
}

func TestSSHRunner_TruncatesOutput(t *testing.T) {
	srv := startSSHServer(t, func(string) execReply { return execReply{stdout: "hello world"} })
	r := NewSSHRunner(SSHConfig{MaxOutputBytes: 5})

	res, err := r.Run(context.Background(), srv.credential(), "uptime")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.True(t, res.Truncated)
}

func TestSSHRunner_Timeout(t *testing.T) {
	srv := startSSHServer(t, func(string) execReply { return execReply{delay: 5 * time.Second} })
	r := NewSSHRunner(SSHConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Run(ctx, srv.credential(), "sleep")
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSSHRunner_ConnectionErrors(t *testing.T) {
	srv := startSSHServer(t, func(string) execReply { return execReply{} })
	r := NewSSHRunner(SSHConfig{ConnectTimeout: time.Second})

	t.Run("bad password", func(t *testing.T) {
		cred := srv.credential()
		cred.Password = "wrong"
		_, err := r.Run(context.Background(), cred, "uptime")
		var connErr *SSHConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("host key mismatch", func(t *testing.T) {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		signer, err := ssh.NewSignerFromKey(other)
		require.NoError(t, err)
		cred := srv.credential()
		cred.HostKey = string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
		_, err = r.Run(context.Background(), cred, "uptime")
		var connErr *SSHConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		ln.Close()

		cred := srv.credential()
		cred.Address = addr
		_, err = r.Run(context.Background(), cred, "uptime")
		var connErr *SSHConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}

func TestSSHRunner_KnownHostsFile(t *testing.T) {
	srv := startSSHServer(t, func(string) execReply { return execReply{stdout: "ok"} })

	host, port, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	line := "[" + host + "]:" + port + " " + string(ssh.MarshalAuthorizedKey(srv.hostKey))
	file := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(file, []byte(line), 0o600))

	cred := srv.credential()
	cred.HostKey = ""
	r := NewSSHRunner(SSHConfig{KnownHostsFile: file})
	res, err := r.Run(context.Background(), cred, "uptime")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}

func TestSSHRunner_RequiresHostKeyVerification(t *testing.T) {
	r := NewSSHRunner(SSHConfig{})
	_, err := r.Run(context.Background(), &model.SSHCredential{Address: "127.0.0.1:22", Username: "x", Password: "y"}, "uptime")
	assert.ErrorContains(t, err, "no host key verification")
}

func TestAuthMethods(t *testing.T) {
	_, err := authMethods(&model.SSHCredential{Username: "admin"})
	assert.Error(t, err)

	_, err = authMethods(&model.SSHCredential{PrivateKey: []byte("not a key")})
	assert.ErrorContains(t, err, "private key")

	m, err := authMethods(&model.SSHCredential{Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, _ = b.Write([]byte("cdef"))
	assert.Equal(t, 4, n)
	_, _ = b.Write([]byte("g"))
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.truncated)
}
