package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrCommandTimeout is returned when a command exceeds its timeout
var ErrCommandTimeout = errors.New("command timed out")

// SSHConnectionError is a failure to reach or authenticate to a device. It is
// the only error the executor retries.
type SSHConnectionError struct {
	Address string
	Err     error
}

func (e *SSHConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %v", e.Address, e.Err)
}

func (e *SSHConnectionError) Unwrap() error { return e.Err }

// RunResult is the output of one remote command
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
}

// Runner executes a command on a device
type Runner interface {
	Run(ctx context.Context, cred *model.SSHCredential, command string) (RunResult, error)
}

// SSHConfig holds SSH client parameters
type SSHConfig struct {
	ConnectTimeout        time.Duration
	MaxOutputBytes        int
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// SSHRunner runs commands over golang.org/x/crypto/ssh
type SSHRunner struct {
	cfg SSHConfig
}

// NewSSHRunner creates a new SSH runner
func NewSSHRunner(cfg SSHConfig) *SSHRunner {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	return &SSHRunner{cfg: cfg}
}

func (r *SSHRunner) hostKeyCallback(cred *model.SSHCredential) (ssh.HostKeyCallback, error) {
	if cred.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cred.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}
	file := cred.KnownHostsFile
	if file == "" {
		file = r.cfg.KnownHostsFile
	}
	if file != "" {
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		return cb, nil
	}
	if r.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, errors.New("no host key verification configured")
}

func authMethods(cred *model.SSHCredential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("credential has neither key nor password")
	}
	return methods, nil
}

func (r *SSHRunner) dial(ctx context.Context, cred *model.SSHCredential, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cred.Address)
	if err != nil {
		return nil, &SSHConnectionError{Address: cred.Address, Err: err}
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, cred.Address, clientCfg)
	if err != nil {
		conn.Close()
		return nil, &SSHConnectionError{Address: cred.Address, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Run opens a session, runs command and waits for it or ctx
func (r *SSHRunner) Run(ctx context.Context, cred *model.SSHCredential, command string) (RunResult, error) {
	hostKey, err := r.hostKeyCallback(cred)
	if err != nil {
		return RunResult{}, err
	}
	auth, err := authMethods(cred)
	if err != nil {
		return RunResult{}, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.ConnectTimeout,
	}

	client, err := r.dial(ctx, cred, clientCfg)
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{}, fmt.Errorf("%w: %v", ErrCommandTimeout, err)
		}
		return RunResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return RunResult{}, &SSHConnectionError{Address: cred.Address, Err: err}
	}
	defer session.Close()

	stdout := &limitedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &limitedBuffer{max: r.cfg.MaxOutputBytes}
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return outputOf(stdout, stderr, -1), ErrCommandTimeout
	case err := <-done:
		res := outputOf(stdout, stderr, 0)
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return res, fmt.Errorf("failed to run command: %w", err)
	}
}

func outputOf(stdout, stderr *limitedBuffer, code int) RunResult {
	return RunResult{
		ExitCode:  code,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
}

// limitedBuffer keeps the first max bytes written and discards the rest
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
