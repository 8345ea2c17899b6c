package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrSSHConfig = errors.New("source: ssh config")

// SSH reads remote files named by ssh://user@host[:port]/path URIs. Host
// keys are verified against known_hosts unless explicitly disabled.
type SSH struct {
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
}

func (s SSH) Resolve(ctx context.Context, uri string) ([]byte, error) {
	target, err := parseSSHURI(uri, s.User)
	if err != nil {
		return nil, err
	}
	client, err := s.dial(ctx, target)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	sess, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	out, err := sess.Output("cat -- " + shellQuote(target.path))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return nil, fmt.Errorf("%w: %s (exit %d)", ErrNotFound, uri, exit.ExitStatus())
		}
		return nil, err
	}
	return out, nil
}

type sshTarget struct {
	user string
	addr string
	path string
}

func parseSSHURI(uri, defaultUser string) (sshTarget, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return sshTarget{}, err
	}
	if u.Scheme != "ssh" {
		return sshTarget{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return sshTarget{}, fmt.Errorf("%w: host is required", ErrSSHConfig)
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	user := defaultUser
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	if user == "" {
		return sshTarget{}, fmt.Errorf("%w: user is required", ErrSSHConfig)
	}
	if u.Path == "" || u.Path == "/" {
		return sshTarget{}, fmt.Errorf("%w: path is required", ErrSSHConfig)
	}
	path := u.Path
	// ssh://host/~/data.bin reads relative to the remote home
	if strings.HasPrefix(path, "/~/") {
		path = path[3:]
	}
	return sshTarget{user: user, addr: net.JoinHostPort(host, port), path: path}, nil
}

func (s SSH) dial(ctx context.Context, target sshTarget) (*ssh.Client, error) {
	config, err := s.clientConfig(target.user)
	if err != nil {
		return nil, err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s SSH) clientConfig(user string) (*ssh.ClientConfig, error) {
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if s.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = s.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.Timeout,
	}, nil
}

func (s SSH) signer() (ssh.Signer, error) {
	if strings.TrimSpace(s.KeyPath) == "" {
		return nil, fmt.Errorf("%w: key path is required", ErrSSHConfig)
	}
	path, err := homedir.Expand(s.KeyPath)
	if err != nil {
		return nil, err
	}
	privateKey, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(s.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, s.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (s SSH) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(s.KnownHostsPath)
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("%w: known hosts: %w", ErrSSHConfig, err)
	}
	return knownhosts.New(path)
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
