// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import "testing"

func TestAddKey(t *testing.T) {
	key1 := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOne runmaster:vm01"
	key2 := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITwo runmaster:vm01"

	tests := []struct {
		name    string
		content string
		line    string
		want    string
	}{
		{
			name:    "append to empty",
			content: "",
			line:    key1,
			want:    key1 + "\n",
		},
		{
			name:    "append to existing",
			content: "user@laptop line\n" + key1 + "\n",
			line:    key2,
			want:    "user@laptop line\n" + key1 + "\n" + key2 + "\n",
		},
		{
			name:    "missing trailing newline gets one",
			content: key1,
			line:    key2,
			want:    key1 + "\n" + key2 + "\n",
		},
		{
			name:    "duplicate key data is not appended",
			content: key1 + "\n",
			line:    "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOne other comment",
			want:    key1 + "\n",
		},
		{
			name:    "blank line is a no-op",
			content: key1 + "\n",
			line:    "  \n",
			want:    key1 + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddKey(tt.content, tt.line); got != tt.want {
				t.Errorf("AddKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveManagedKeys(t *testing.T) {
	oldKey := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOld runmaster:vm01"
	newKey := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAINew runmaster:vm01"
	otherHost := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOther runmaster:vm02"
	userKey := "ssh-rsa AAAAB3NzaC1yc2EKey alice@laptop"

	tests := []struct {
		name    string
		content string
		keep    []string
		want    string
	}{
		{
			name:    "drops old managed key, keeps new",
			content: oldKey + "\n" + newKey + "\n",
			keep:    []string{newKey},
			want:    newKey + "\n",
		},
		{
			name:    "unmanaged and foreign lines survive",
			content: "# hand-edited\n" + userKey + "\n" + otherHost + "\n" + oldKey + "\n",
			want:    "# hand-edited\n" + userKey + "\n" + otherHost + "\n",
		},
		{
			name:    "removing the only line empties the file",
			content: oldKey + "\n",
			want:    "",
		},
		{
			name:    "no managed keys is a no-op",
			content: userKey + "\n\n" + otherHost + "\n",
			want:    userKey + "\n\n" + otherHost + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RemoveManagedKeys(tt.content, "vm01", tt.keep...); got != tt.want {
				t.Errorf("RemoveManagedKeys = %q, want %q", got, tt.want)
			}
		})
	}
}
