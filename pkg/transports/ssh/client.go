// Package ssh provides the SSH transport used to drive a remote batch
// scheduler: command execution on a login node and SFTP file transfer.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// Client is a single SSH connection to a cluster login node.
type Client struct {
	config *Config
	logger *telemetry.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewClient creates a client. Connect must be called before use.
func NewClient(config *Config, logger *telemetry.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Client{
		config: config,
		logger: logger.NewComponentLogger("ssh").WithField("host", config.Host),
	}, nil
}

// Connect establishes the connection, through the jump host if configured.
// Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		c.client, err = dial(ctx, c.config.Address(), clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Info("SSH connection established")
	return nil
}

func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, temporary("connect", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, temporary("connect", r.err)
		}
		return r.client, nil
	}
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := *c.config
	proxyConfig.Host = c.config.ProxyHost
	proxyConfig.Port = c.config.ProxyPort
	proxyConfig.User = c.config.ProxyUser

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	c.logger.Debugf("connecting through jump host %s", proxyConfig.Address())
	proxyClient, err := dial(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return temporary("connect-via-proxy", err)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true, IsAuthError: true}
	}

	c.proxy = proxyClient
	c.client = ssh.NewClient(ncc, chans, reqs)
	return nil
}

// Close closes the SFTP session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return permanent("disconnect", err)
	}
	return nil
}

// IsConnected returns true if the client holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.WithError(err).Warn("keep-alive failed")
				return
			}
		}
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, permanent("session", errors.New("not connected"))
	}
	return c.client, nil
}

// Run executes cmd on the remote host and returns its trimmed output.
// A command that exits non-zero yields an *ExitError wrapped in a
// permanent TransportError; session failures are temporary.
func (c *Client) Run(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	client, err := c.sshClient()
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return "", "", temporary("exec", fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-done:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.WithFields(map[string]interface{}{
		"command":  cmd,
		"duration": time.Since(start).String(),
	}).Debug("remote command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, permanent("exec", &ExitError{Command: cmd, Code: exitErr.ExitStatus(), Stderr: stderr})
		}
		return stdout, stderr, temporary("exec", execErr)
	}
	return stdout, stderr, nil
}
