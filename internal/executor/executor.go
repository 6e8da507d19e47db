// Package executor runs shell commands on managed hosts.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Params are the connection parameters for one host. Defaults come from
// configuration and are overridden by inventory variables.
//
// Forks, SSHCommonArgs and SSHExtraArgs are accepted so Ansible inventories
// parse unchanged, but the executors ignore them: the native SSH client
// takes no OpenSSH command-line options, and concurrency is bounded by the
// deployment pool (deploy.forks), not per host.
type Params struct {
	Connection     string        `mapstructure:"connection"`
	ModulePath     string        `mapstructure:"module_path"`
	Forks          int           `mapstructure:"forks"`
	RemoteUser     string        `mapstructure:"remote_user"`
	Password       string        `mapstructure:"password"`
	Port           int           `mapstructure:"port"`
	Address        string        `mapstructure:"address"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	SSHCommonArgs  string        `mapstructure:"ssh_common_args"`
	SSHExtraArgs   string        `mapstructure:"ssh_extra_args"`
	Become         bool          `mapstructure:"become"`
	BecomeMethod   string        `mapstructure:"become_method"`
	BecomeUser     string        `mapstructure:"become_user"`
	Check          bool          `mapstructure:"check"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Merge returns p overridden by Ansible-style inventory variables. Unknown
// variables and unparsable values are ignored.
func (p Params) Merge(vars map[string]string) Params {
	first := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := vars[k]; ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := first("ansible_connection"); ok {
		p.Connection = v
	}
	if v, ok := first("ansible_host", "ansible_ssh_host"); ok {
		p.Address = v
	}
	if v, ok := first("ansible_port", "ansible_ssh_port"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			p.Port = port
		}
	}
	if v, ok := first("ansible_user", "ansible_ssh_user"); ok {
		p.RemoteUser = v
	}
	if v, ok := first("ansible_password", "ansible_ssh_pass"); ok {
		p.Password = v
	}
	if v, ok := first("ansible_ssh_private_key_file", "ansible_private_key_file"); ok {
		p.PrivateKeyFile = v
	}
	if v, ok := first("ansible_ssh_common_args"); ok {
		p.SSHCommonArgs = v
	}
	if v, ok := first("ansible_ssh_extra_args"); ok {
		p.SSHExtraArgs = v
	}
	if v, ok := first("ansible_become", "ansible_sudo"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.Become = b
		}
	}
	if v, ok := first("ansible_become_method"); ok {
		p.BecomeMethod = v
	}
	if v, ok := first("ansible_become_user", "ansible_sudo_user"); ok {
		p.BecomeUser = v
	}
	return p
}

// Request is one command to run on one host.
type Request struct {
	Command     string
	Host        string
	GatherFacts bool
	Params      Params
}

// Result is the outcome of a Request. A non-zero ExitStatus is reported
// here rather than as an error.
type Result struct {
	Host       string
	ExitStatus int
	Stdout     []string
	Stderr     []string
	Facts      *models.Facts
}

// Failed reports whether the command exited non-zero or wrote to stderr.
func (r *Result) Failed() bool {
	return r.ExitStatus != 0 || len(r.Stderr) > 0
}

// Executor runs commands on hosts. Errors mean the command could not be run
// at all (unreachable host, authentication failure, cancelled context).
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Router dispatches to an Executor by connection type.
type Router struct {
	SSH   Executor
	Local Executor
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	switch req.Params.Connection {
	case "", "ssh", "paramiko", "smart":
		return r.SSH.Execute(ctx, req)
	case "local":
		return r.Local.Execute(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported connection type %q", req.Params.Connection)
	}
}

// wrapBecome prefixes cmd for privilege escalation.
func wrapBecome(cmd string, p Params) string {
	if !p.Become {
		return cmd
	}
	switch p.BecomeMethod {
	case "su":
		user := p.BecomeUser
		if user == "" {
			user = "root"
		}
		return "su - " + shellQuote(user) + " -c " + shellQuote(cmd)
	default:
		prefix := "sudo -n "
		if p.BecomeUser != "" && p.BecomeUser != "root" {
			prefix += "-u " + shellQuote(p.BecomeUser) + " "
		}
		return prefix + "sh -c " + shellQuote(cmd)
	}
}

func withModulePath(cmd string, p Params) string {
	if p.ModulePath == "" {
		return cmd
	}
	return "PATH=" + shellQuote(p.ModulePath) + ":$PATH; " + cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
