package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal login node: it answers a few exec commands and
// serves SFTP from the real filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			switch {
			case strings.HasPrefix(command, "sbatch"):
				_, _ = channel.Write([]byte("4242;cluster\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			case command == "fail":
				_, _ = channel.Stderr().Write([]byte("Invalid partition name specified\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(1))
			default:
				_, _ = channel.Write([]byte("command: " + command + "\n"))
				_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
			}
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("bad address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig(host, "testuser")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "testpass"
	cfg.StrictHostKeyChecking = false
	cfg.KeepAliveInterval = 0
	return cfg
}

func connectedClient(t *testing.T) *Client {
	t.Helper()
	server := newTestSSHServer(t)
	client, err := NewClient(server.clientConfig(t), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientRun(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	stdout, _, err := client.Run(ctx, "sbatch --parsable job.sh")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stdout != "4242;cluster" {
		t.Errorf("stdout = %q, want %q", stdout, "4242;cluster")
	}

	_, stderr, err := client.Run(ctx, "fail")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if IsTemporary(err) {
		t.Error("non-zero exit must not be temporary")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Errorf("expected ExitError with code 1, got %v", err)
	}
	if stderr != "Invalid partition name specified" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestClientRunNotConnected(t *testing.T) {
	cfg := DefaultConfig("example.com", "testuser")
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"

	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, _, err := client.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected error when not connected")
	}
	if client.IsConnected() {
		t.Error("client should not be connected")
	}
}

func TestClientFileTransfer(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "exp", "runs", "job.sh"))
	if err := client.WriteFile(ctx, remote, []byte("#!/bin/bash\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := client.ReadFile(ctx, remote)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "#!/bin/bash\n" {
		t.Errorf("ReadFile = %q", data)
	}

	_, err = client.ReadFile(ctx, remote+".missing")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist for missing file, got %v", err)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	cfg := server.clientConfig(t)
	cfg.Password = "wrong"

	client, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:        "missing host",
			modifyFunc:  func(c *Config) { c.Host = "" },
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name:        "invalid port",
			modifyFunc:  func(c *Config) { c.Port = 70000 },
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "missing password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "missing key file",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "proxy without user",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ProxyHost = "bastion"
			},
			expectError: true,
			errorMsg:    "proxy user is required",
		},
		{
			name: "unsupported auth",
			modifyFunc: func(c *Config) {
				c.AuthMethod = "kerberos"
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("login.cluster", "testuser")
			tt.modifyFunc(cfg)
			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error %q does not contain %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildSSHClientConfigWithKey(t *testing.T) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	cfg := DefaultConfig("login.cluster", "testuser")
	cfg.PrivateKeyPath = keyPath
	cfg.StrictHostKeyChecking = false

	clientConfig, err := cfg.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig: %v", err)
	}
	if clientConfig.User != "testuser" {
		t.Errorf("user = %q", clientConfig.User)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", clientConfig.Timeout)
	}
}

func TestConfigAddresses(t *testing.T) {
	cfg := DefaultConfig("login.cluster", "testuser")
	if cfg.Address() != "login.cluster:22" {
		t.Errorf("Address = %q", cfg.Address())
	}
	if cfg.IsProxyEnabled() || cfg.ProxyAddress() != "" {
		t.Error("proxy should be disabled by default")
	}
	cfg.ProxyHost = "bastion"
	if cfg.ProxyAddress() != "bastion:22" {
		t.Errorf("ProxyAddress = %q", cfg.ProxyAddress())
	}
}
