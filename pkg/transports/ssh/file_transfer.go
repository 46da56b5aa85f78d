package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// sftpClient returns the shared SFTP session, opening it on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, permanent("sftp-init", errors.New("not connected"))
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, temporary("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err))
	}
	c.sftp = client
	return client, nil
}

// WriteFile writes data to remotePath, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return permanent("upload", fmt.Errorf("failed to create remote directory: %w", err))
	}

	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return temporary("upload", fmt.Errorf("failed to create remote file: %w", err))
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return temporary("upload", fmt.Errorf("failed to write remote file: %w", err))
	}
	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			c.logger.WithError(err).Warn("failed to set file permissions")
		}
	}

	c.logger.WithField("remote", remotePath).Debug("file uploaded")
	return nil
}

// ReadFile reads remotePath. A missing file returns an error satisfying
// errors.Is(err, os.ErrNotExist).
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, temporary("download", fmt.Errorf("failed to open remote file: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, temporary("download", fmt.Errorf("failed to read remote file: %w", err))
	}
	return data, nil
}

// MkdirAll creates a remote directory tree.
func (c *Client) MkdirAll(ctx context.Context, remoteDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(remoteDir); err != nil {
		return permanent("mkdir", err)
	}
	return nil
}
