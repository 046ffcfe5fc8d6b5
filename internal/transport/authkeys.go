// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"
)

const sshDir = ".ssh"

var authorizedKeysPath = path.Join(sshDir, "authorized_keys")

// ReadAuthorizedKeys returns the remote account's authorized_keys content.
// A missing file is an empty result, not an error; a host that has never
// been provisioned simply has no keys yet.
func (c *Connection) ReadAuthorizedKeys(ctx context.Context) ([]byte, error) {
	if err := c.beginOp(); err != nil {
		return nil, err
	}
	defer c.endOp()

	cli, err := c.sftpClient()
	if err != nil {
		c.fail()
		return nil, err
	}

	f, err := cli.Open(authorizedKeysPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, c.wrapSFTP("open", authorizedKeysPath, err)
	}
	defer f.Close()

	content, err := io.ReadAll(readerCtx(ctx, f))
	if err != nil {
		return nil, c.wrapSFTP("read", authorizedKeysPath, err)
	}
	return content, nil
}

// DeployAuthorizedKeys replaces the remote account's authorized_keys with
// content. Pure SFTP so it works with restricted keys: ensure .ssh exists
// with 0700, upload to a temporary name, chmod 0600, rename into place. The
// sshd on the other side only ever sees the old file or the new one.
func (c *Connection) DeployAuthorizedKeys(ctx context.Context, content string) error {
	if err := c.beginOp(); err != nil {
		return err
	}
	defer c.endOp()

	cli, err := c.sftpClient()
	if err != nil {
		c.fail()
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = cli.Mkdir(sshDir) // already existing is fine
	if err := cli.Chmod(sshDir, 0o700); err != nil {
		return c.wrapSFTP("chmod", sshDir, err)
	}

	tmp := path.Join(sshDir, fmt.Sprintf("authorized_keys.runmaster.%d", time.Now().UnixNano()))
	f, err := cli.Create(tmp)
	if err != nil {
		return c.wrapSFTP("create", tmp, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		cli.Remove(tmp)
		return c.wrapSFTP("write", tmp, err)
	}
	if err := f.Close(); err != nil {
		cli.Remove(tmp)
		return c.wrapSFTP("close", tmp, err)
	}

	if err := cli.Chmod(tmp, 0o600); err != nil {
		cli.Remove(tmp)
		return c.wrapSFTP("chmod", tmp, err)
	}
	if err := cli.PosixRename(tmp, authorizedKeysPath); err != nil {
		cli.Remove(authorizedKeysPath)
		if err := cli.Rename(tmp, authorizedKeysPath); err != nil {
			cli.Remove(tmp)
			return c.wrapSFTP("rename", authorizedKeysPath, err)
		}
	}
	return nil
}
