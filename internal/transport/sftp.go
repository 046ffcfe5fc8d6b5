// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/toeirei/runmaster/internal/logging"
)

// sftpClient lazily opens the SFTP subsystem over the existing connection.
func (c *Connection) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftpc != nil {
		return c.sftpc, nil
	}
	cli, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &ConnectionError{HostID: c.hostID, Op: "sftp", Err: err}
	}
	c.sftpc = cli
	return cli, nil
}

// Put uploads a local file. The bytes are hashed while streaming, written
// to a temporary remote name, read back and hashed again, and only renamed
// into place once both digests agree. A mismatch rolls the upload back and
// returns ChecksumError.
func (c *Connection) Put(ctx context.Context, localPath, remotePath string) error {
	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	cli, err := c.sftpClient()
	if err != nil {
		c.fail()
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", localPath, err)
	}
	defer local.Close()
	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("could not stat local file %s: %w", localPath, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", remotePath, time.Now().UnixNano())
	remote, err := cli.Create(tmp)
	if err != nil {
		return c.wrapSFTP("create", tmp, err)
	}

	hash := sha256.New()
	if _, err := io.Copy(remote, io.TeeReader(readerCtx(ctx, local), hash)); err != nil {
		remote.Close()
		cli.Remove(tmp)
		return c.wrapSFTP("write", tmp, err)
	}
	if err := remote.Close(); err != nil {
		cli.Remove(tmp)
		return c.wrapSFTP("close", tmp, err)
	}
	localSum := hex.EncodeToString(hash.Sum(nil))

	remoteSum, err := c.remoteFileSum(ctx, cli, tmp)
	if err != nil {
		cli.Remove(tmp)
		return err
	}
	if remoteSum != localSum {
		cli.Remove(tmp)
		return &ChecksumError{HostID: c.hostID, Path: remotePath, Expected: localSum, Actual: remoteSum}
	}

	if err := cli.Chmod(tmp, info.Mode().Perm()); err != nil {
		cli.Remove(tmp)
		return c.wrapSFTP("chmod", tmp, err)
	}
	if err := cli.PosixRename(tmp, remotePath); err != nil {
		// Fall back for servers without the posix-rename extension.
		cli.Remove(remotePath)
		if err := cli.Rename(tmp, remotePath); err != nil {
			cli.Remove(tmp)
			return c.wrapSFTP("rename", remotePath, err)
		}
	}
	logging.Debugf("uploaded %s to %s:%s (sha256 %s)", localPath, c.hostID, remotePath, localSum)
	return nil
}

// Get downloads a remote file. The remote stream is hashed on the way
// down, the local temp file is re-read and hashed after the write, and the
// temp file is renamed into place only when both digests agree.
func (c *Connection) Get(ctx context.Context, remotePath, localPath string) error {
	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	cli, err := c.sftpClient()
	if err != nil {
		c.fail()
		return err
	}

	remote, err := cli.Open(remotePath)
	if err != nil {
		return c.wrapSFTP("open", remotePath, err)
	}
	defer remote.Close()

	perm := os.FileMode(0o644)
	if info, err := remote.Stat(); err == nil && info.Mode().Perm() != 0 {
		perm = info.Mode().Perm()
	}

	tmp := fmt.Sprintf("%s.tmp-%d", localPath, time.Now().UnixNano())
	local, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("could not create local file %s: %w", tmp, err)
	}

	hash := sha256.New()
	if _, err := io.Copy(local, io.TeeReader(readerCtx(ctx, remote), hash)); err != nil {
		local.Close()
		os.Remove(tmp)
		return c.wrapSFTP("read", remotePath, err)
	}
	if err := local.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write local file %s: %w", tmp, err)
	}
	remoteSum := hex.EncodeToString(hash.Sum(nil))

	localSum, err := fileSum(tmp)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if localSum != remoteSum {
		os.Remove(tmp)
		return &ChecksumError{HostID: c.hostID, Path: remotePath, Expected: remoteSum, Actual: localSum}
	}

	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not move %s into place: %w", localPath, err)
	}
	logging.Debugf("downloaded %s:%s to %s (sha256 %s)", c.hostID, remotePath, localPath, remoteSum)
	return nil
}

// remoteFileSum reads a remote file back through SFTP and hashes it.
func (c *Connection) remoteFileSum(ctx context.Context, cli *sftp.Client, path string) (string, error) {
	f, err := cli.Open(path)
	if err != nil {
		return "", c.wrapSFTP("open", path, err)
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, readerCtx(ctx, f)); err != nil {
		return "", c.wrapSFTP("read", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// wrapSFTP maps a broken SFTP connection to ConnectionError and anything
// else (missing file, permission) to a plain error that will not be
// retried.
func (c *Connection) wrapSFTP(op, path string, err error) error {
	if errors.Is(err, sftp.ErrSshFxConnectionLost) || errors.Is(err, sftp.ErrSshFxNoConnection) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.fail()
		return &ConnectionError{HostID: c.hostID, Op: "sftp " + op, Err: err}
	}
	return fmt.Errorf("could not %s %s on %s: %w", op, path, c.hostID, err)
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("could not hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// readerCtx aborts a streaming copy once the context is cancelled.
func readerCtx(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
