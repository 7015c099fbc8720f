package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// FileChecksum returns the hex SHA-256 of a local file.
func FileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PushFile uploads localPath to remotePath over SFTP and compares the remote
// sha256sum with the local one. A mismatched upload is removed.
func PushFile(ctx context.Context, cli *xssh.Client, localPath, remotePath string) error {
	sum, err := FileChecksum(localPath)
	if err != nil {
		return fmt.Errorf("local checksum: %w", err)
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := upload(ctx, sf, localPath, remotePath); err != nil {
		return err
	}
	out, err := run(cli, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	if remote, _, _ := strings.Cut(strings.TrimSpace(out), " "); remote != sum {
		_ = sf.Remove(remotePath)
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, sum, remote)
	}
	return nil
}

func upload(ctx context.Context, sf *sftp.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	return dst.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Push dials the host and uploads localPath to remotePath with checksum
// verification.
func (c *Client) Push(ctx context.Context, localPath, remotePath string) error {
	cli, err := c.DialRetry(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return PushFile(ctx, cli, localPath, remotePath)
}
