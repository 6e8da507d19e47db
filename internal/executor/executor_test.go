package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestParamsMerge(t *testing.T) {
	defaults := Params{Connection: "ssh", RemoteUser: "root", Port: 22, Forks: 100, BecomeMethod: "sudo"}

	global := map[string]string{"ansible_user": "deploy", "ansible_become": "true"}
	host := map[string]string{
		"ansible_host":                 "10.0.0.11",
		"ansible_port":                 "2222",
		"ansible_ssh_private_key_file": "/keys/eu.pem",
		"ansible_become_user":          "netops",
		"ansible_ssh_extra_args":       "-o StrictHostKeyChecking=no",
		"unrelated":                    "x",
	}

	p := defaults.Merge(global).Merge(host)
	if p.RemoteUser != "deploy" {
		t.Errorf("user = %q, want deploy from globals", p.RemoteUser)
	}
	if p.Address != "10.0.0.11" || p.Port != 2222 {
		t.Errorf("address = %s:%d", p.Address, p.Port)
	}
	if !p.Become || p.BecomeUser != "netops" || p.BecomeMethod != "sudo" {
		t.Errorf("become = %v %q %q", p.Become, p.BecomeUser, p.BecomeMethod)
	}
	if p.PrivateKeyFile != "/keys/eu.pem" || p.SSHExtraArgs == "" {
		t.Errorf("params = %+v", p)
	}
	if p.Forks != 100 || p.Connection != "ssh" {
		t.Error("defaults not set by inventory must survive")
	}

	bad := defaults.Merge(map[string]string{"ansible_port": "ssh", "ansible_become": "maybe"})
	if bad.Port != 22 || bad.Become {
		t.Errorf("unparsable values must be ignored: %+v", bad)
	}
}

func TestWrapBecome(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want string
	}{
		{"off", Params{}, "tcdel --device eth0 --all"},
		{"sudo root", Params{Become: true}, "sudo -n sh -c 'tcdel --device eth0 --all'"},
		{"sudo user", Params{Become: true, BecomeUser: "netops"}, "sudo -n -u 'netops' sh -c 'tcdel --device eth0 --all'"},
		{"su", Params{Become: true, BecomeMethod: "su"}, "su - 'root' -c 'tcdel --device eth0 --all'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wrapBecome("tcdel --device eth0 --all", tt.p); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if got := shellQuote("it's"); got != `'it'"'"'s'` {
		t.Errorf("shellQuote = %s", got)
	}
}

func TestParseFacts(t *testing.T) {
	f := ParseFacts([]string{
		"cpu=4",
		"memory_kb=8167508",
		"distribution=Ubuntu 24.04.1 LTS",
		"kernel=6.8.0-45-generic",
		"ip=10.0.0.11",
		"garbage line",
	})
	if f.CPU != "4" || f.Memory != "7976MB" || f.Distribution != "Ubuntu 24.04.1 LTS" ||
		f.Kernel != "6.8.0-45-generic" || f.IPAddress != "10.0.0.11" {
		t.Errorf("facts = %+v", f)
	}

	if f := ParseFacts([]string{"memory_kb="}); f.Memory != "" {
		t.Errorf("memory = %q, want empty", f.Memory)
	}
}

func TestResultFailed(t *testing.T) {
	if (&Result{}).Failed() {
		t.Error("clean result reported as failed")
	}
	if !(&Result{ExitStatus: 2}).Failed() {
		t.Error("non-zero exit must fail")
	}
	if !(&Result{Stderr: []string{"RTNETLINK answers: Operation not permitted"}}).Failed() {
		t.Error("stderr output must fail")
	}
}

type stubExecutor struct{ name string }

func (s stubExecutor) Execute(_ context.Context, req Request) (*Result, error) {
	return &Result{Host: req.Host, Stdout: []string{s.name}}, nil
}

func TestRouter(t *testing.T) {
	r := &Router{SSH: stubExecutor{"ssh"}, Local: stubExecutor{"local"}}
	tests := []struct {
		connection string
		want       string
		wantErr    bool
	}{
		{"", "ssh", false},
		{"ssh", "ssh", false},
		{"local", "local", false},
		{"winrm", "", true},
	}
	for _, tt := range tests {
		res, err := r.Execute(context.Background(), Request{Host: "h", Params: Params{Connection: tt.connection}})
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.connection, err)
			continue
		}
		if err == nil && res.Stdout[0] != tt.want {
			t.Errorf("%q routed to %s, want %s", tt.connection, res.Stdout[0], tt.want)
		}
	}
}

func TestLocalExecutor(t *testing.T) {
	e := NewLocalExecutor(nil)
	ctx := context.Background()

	res, err := e.Execute(ctx, Request{Host: "localhost", Command: "echo one; echo two"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 0 || len(res.Stdout) != 2 || res.Stdout[1] != "two" || res.Failed() {
		t.Errorf("res = %+v", res)
	}

	res, err = e.Execute(ctx, Request{Host: "localhost", Command: "echo boom >&2; exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 3 || len(res.Stderr) != 1 || res.Stderr[0] != "boom" {
		t.Errorf("res = %+v", res)
	}

	res, err = e.Execute(ctx, Request{Host: "localhost", Command: "exit 9", Params: Params{Check: true}})
	if err != nil || res.ExitStatus != 0 {
		t.Errorf("check mode must not run the command: %+v, %v", res, err)
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := e.Execute(cctx, Request{Host: "localhost", Command: "sleep 5"}); err == nil {
		t.Error("expected error for a cancelled command")
	}
}

// startSSHServer runs an in-process SSH server that answers exec requests
// with handler and returns its port.
func startSSHServer(t *testing.T, handler func(cmd string) (stdout, stderr string, status uint32)) int {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "tc" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg, handler)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig, handler func(string) (string, string, uint32)) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close() //nolint:errcheck // test server
			for req := range in {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				stdout, stderr, status := handler(payload.Command)
				_, _ = io.WriteString(ch, stdout)
				_, _ = io.WriteString(ch.Stderr(), stderr)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestSSHExecutor(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	port := startSSHServer(t, func(cmd string) (string, string, uint32) {
		mu.Lock()
		seen = append(seen, cmd)
		mu.Unlock()
		switch {
		case cmd == factsScript:
			return "cpu=2\nmemory_kb=2048000\nkernel=6.1.0\nip=10.0.0.5\n", "", 0
		case strings.HasPrefix(cmd, "tcset"):
			return "", "Error: device not found\n", 1
		default:
			return "10.0.0.5\n", "", 0
		}
	})

	e := NewSSHExecutor(nil)
	params := Params{Address: "127.0.0.1", Port: port, RemoteUser: "tc", Password: "secret", ConnectTimeout: 5 * time.Second}
	ctx := context.Background()

	res, err := e.Execute(ctx, Request{Host: "web1", Command: "hostname --ip-address", GatherFacts: true, Params: params})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() || len(res.Stdout) != 1 || res.Stdout[0] != "10.0.0.5" {
		t.Errorf("res = %+v", res)
	}
	if res.Facts == nil || res.Facts.CPU != "2" || res.Facts.Memory != "2000MB" || res.Facts.IPAddress != "10.0.0.5" {
		t.Errorf("facts = %+v", res.Facts)
	}

	// OpenSSH options from the inventory are ignored by the native client.
	withArgs := params
	withArgs.SSHCommonArgs = "-o ProxyCommand=false"
	withArgs.SSHExtraArgs = "-o StrictHostKeyChecking=no"
	withArgs.Forks = 1
	if res, err := e.Execute(ctx, Request{Host: "web1", Command: "true", Params: withArgs}); err != nil || res.Failed() {
		t.Errorf("ssh args must not affect the connection: %+v, %v", res, err)
	}

	res, err = e.Execute(ctx, Request{Host: "web1", Command: "tcset --device eth9 --loss 0 --change", Params: params})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 1 || len(res.Stderr) != 1 || !res.Failed() {
		t.Errorf("res = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Errorf("server saw %d commands, want 4", len(seen))
	}

	wrong := params
	wrong.Password = "nope"
	if _, err := e.Execute(ctx, Request{Host: "web1", Command: "true", Params: wrong}); err == nil {
		t.Error("expected authentication error")
	}
}

func TestSSHExecutorErrors(t *testing.T) {
	e := NewSSHExecutor(nil)
	ctx := context.Background()

	if _, err := e.Execute(ctx, Request{Host: "h", Command: "true", Params: Params{Address: "127.0.0.1"}}); err == nil ||
		!strings.Contains(err.Error(), "no SSH credentials") {
		t.Errorf("err = %v, want missing credentials", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	p := Params{Address: "127.0.0.1", Port: port, Password: "x", ConnectTimeout: time.Second}
	if _, err := e.Execute(ctx, Request{Host: "h", Command: "true", Params: p}); err == nil ||
		!strings.Contains(err.Error(), "127.0.0.1:"+strconv.Itoa(port)) {
		t.Errorf("err = %v, want connection error naming the address", err)
	}

	res, err := e.Execute(ctx, Request{Host: "h", Command: "tcdel --device eth0 --all", Params: Params{Check: true}})
	if err != nil || res.Failed() {
		t.Errorf("check mode: %+v, %v", res, err)
	}
}
