// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package sshkey

import "strings"

// AddKey returns content with line appended, unless the same key is already
// present. Keys are compared by their base64 data, so a duplicate with a
// different comment still counts as present.
func AddKey(content, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return content
	}
	_, newData, _, _ := Parse(line)
	for _, existing := range strings.Split(content, "\n") {
		_, data, _, err := Parse(existing)
		if err != nil {
			continue
		}
		if newData != "" && data == newData {
			return content
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + line + "\n"
}

// RemoveManagedKeys returns content without the keys Runmaster manages for
// hostID. Lines whose key data matches an entry in keep survive, as does
// everything without the managed comment: user keys, keys for other hosts,
// comments, blanks.
func RemoveManagedKeys(content, hostID string, keep ...string) string {
	keepData := make(map[string]bool, len(keep))
	for _, k := range keep {
		if _, data, _, err := Parse(k); err == nil {
			keepData[data] = true
		}
	}

	lines := strings.Split(content, "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		_, data, comment, err := Parse(line)
		if err == nil {
			if id, ok := HostIDFromComment(comment); ok && id == hostID && !keepData[data] {
				continue
			}
		}
		result = append(result, line)
	}
	return strings.Join(result, "\n")
}
