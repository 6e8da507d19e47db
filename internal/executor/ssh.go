package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultConnectTimeout = 10 * time.Second

// SSHExecutor runs commands over SSH, one connection per request.
type SSHExecutor struct {
	logger *slog.Logger
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor creates an SSHExecutor.
func NewSSHExecutor(logger *slog.Logger) *SSHExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHExecutor{logger: logger}
}

func clientConfig(p Params) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if p.PrivateKeyFile != "" {
		key, err := os.ReadFile(p.PrivateKeyFile) // #nosec G304 -- operator-configured key path
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if p.Password != "" {
		auth = append(auth, ssh.Password(p.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no SSH credentials: set a private key file or password")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() // #nosec G106 -- lab hosts; set known_hosts_file to verify
	if p.KnownHostsFile != "" {
		cb, err := knownhosts.New(p.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	user := p.RemoteUser
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (e *SSHExecutor) dial(ctx context.Context, host string, p Params) (*ssh.Client, error) {
	cfg, err := clientConfig(p)
	if err != nil {
		return nil, err
	}
	addr := p.Address
	if addr == "" {
		addr = host
	}
	port := p.Port
	if port <= 0 {
		port = 22
	}
	target := net.JoinHostPort(addr, strconv.Itoa(port))

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", target, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute implements Executor. In check mode nothing is run and the
// command is reported as successful.
func (e *SSHExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Params.Check {
		e.logger.Info("check mode, not executing", "host", req.Host, "command", req.Command)
		return &Result{Host: req.Host, Stdout: []string{"check mode: " + req.Command}}, nil
	}

	client, err := e.dial(ctx, req.Host, req.Params)
	if err != nil {
		return nil, err
	}
	defer client.Close() //nolint:errcheck // best-effort cleanup

	// Closing the client unblocks a hung session when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	cmd := wrapBecome(withModulePath(req.Command, req.Params), req.Params)
	res := &Result{Host: req.Host}
	res.ExitStatus, res.Stdout, res.Stderr, err = runSSHCommand(client, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("running command on %s: %w", req.Host, ctx.Err())
		}
		return nil, fmt.Errorf("running command on %s: %w", req.Host, err)
	}

	if req.GatherFacts {
		_, out, _, err := runSSHCommand(client, factsScript)
		if err != nil {
			e.logger.Warn("gathering facts failed", "host", req.Host, "error", err)
		} else {
			facts := ParseFacts(out)
			res.Facts = &facts
		}
	}
	return res, nil
}

// runSSHCommand runs cmd in a new session and collects its output lines.
// A non-zero exit is returned as the status, not as an error.
func runSSHCommand(client *ssh.Client, cmd string) (int, []string, []string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return 0, nil, nil, err
	}
	defer sess.Close() //nolint:errcheck // best-effort cleanup

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, nil, nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return 0, nil, nil, err
	}
	if err := sess.Start(cmd); err != nil {
		return 0, nil, nil, err
	}

	var outLines, errLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLines = scanLines(stdout)
	}()
	go func() {
		defer wg.Done()
		errLines = scanLines(stderr)
	}()

	err = sess.Wait()
	wg.Wait()

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), outLines, errLines, nil
	}
	return 0, outLines, errLines, err
}

func scanLines(r io.Reader) []string {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
