// Package ssh wraps x/crypto/ssh and pkg/sftp for pushing package archives
// to remote hosts and running their install command there.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

// NewClient loads the private key and known_hosts file and returns a client
// for host:port. Host keys are checked strictly.
func NewClient(host string, port int, user, keyPath, knownHostsPath string) (*Client, error) {
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := LoadKnownHostsCallback(knownHostsPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
		Retries:    2,
		Backoff:    500 * time.Millisecond,
	}, nil
}

func (c *Client) config() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial connects once, giving up when ctx ends. The caller closes the client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// DialRetry dials with linear backoff between attempts.
func (c *Client) DialRetry(ctx context.Context) (*xssh.Client, error) {
	retries := max(c.Retries, 0)
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := c.Dial(ctx)
		if err == nil {
			return cli, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", c.Addr, lastErr)
}

// run executes command on an open connection and returns combined output.
func run(cli *xssh.Client, command string) (string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return string(out), fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), nil
}

// RunCommand dials, runs command and disconnects.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	cli, err := c.DialRetry(ctx)
	if err != nil {
		return "", err
	}
	defer cli.Close()
	return run(cli, command)
}
