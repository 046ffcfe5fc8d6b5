// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/security"
)

// Inventory is the validated host allow-list. Lookups are by host_id; the
// inventory is immutable once loaded.
type Inventory struct {
	hosts map[string]model.HostEntry
	order []string
}

// hostYAML is the on-disk shape of one inventory entry. Parsing is strict:
// unknown fields are rejected so typos cannot silently disable a host.
type hostYAML struct {
	HostID   string `yaml:"host_id"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  *bool  `yaml:"enabled"`
}

type inventoryYAML struct {
	Hosts []hostYAML `yaml:"hosts"`
}

// LoadInventory reads and validates the hosts file at path.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read hosts file: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory parses a hosts inventory from raw YAML.
func ParseInventory(data []byte) (*Inventory, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f inventoryYAML
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("invalid hosts file: %w", err)
	}
	if len(f.Hosts) == 0 {
		return nil, fmt.Errorf("hosts file declares no hosts")
	}

	inv := &Inventory{hosts: make(map[string]model.HostEntry, len(f.Hosts))}
	for i, h := range f.Hosts {
		if h.HostID == "" {
			return nil, fmt.Errorf("host entry %d: host_id is required", i)
		}
		if !model.ValidHostID(h.HostID) {
			return nil, fmt.Errorf("host entry %d: invalid host_id %q", i, h.HostID)
		}
		if _, dup := inv.hosts[h.HostID]; dup {
			return nil, fmt.Errorf("duplicate host_id %q", h.HostID)
		}
		if h.Address == "" {
			return nil, fmt.Errorf("host %q: address is required", h.HostID)
		}
		if h.Username == "" {
			return nil, fmt.Errorf("host %q: username is required", h.HostID)
		}
		port := h.Port
		if port == 0 {
			port = 22
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("host %q: port %d out of range", h.HostID, h.Port)
		}
		enabled := true
		if h.Enabled != nil {
			enabled = *h.Enabled
		}
		entry := model.HostEntry{
			ID:       h.HostID,
			Address:  h.Address,
			Port:     port,
			Username: h.Username,
			Enabled:  enabled,
		}
		if h.Password != "" {
			entry.Password = security.FromString(h.Password)
		}
		inv.hosts[h.HostID] = entry
		inv.order = append(inv.order, h.HostID)
	}
	return inv, nil
}

// Lookup returns the entry for id and whether it exists.
func (inv *Inventory) Lookup(id string) (model.HostEntry, bool) {
	h, ok := inv.hosts[id]
	return h, ok
}

// All returns every entry in file order.
func (inv *Inventory) All() []model.HostEntry {
	out := make([]model.HostEntry, 0, len(inv.order))
	for _, id := range inv.order {
		out = append(out, inv.hosts[id])
	}
	return out
}

// Enabled returns the enabled entries in file order.
func (inv *Inventory) Enabled() []model.HostEntry {
	var out []model.HostEntry
	for _, id := range inv.order {
		if h := inv.hosts[id]; h.Enabled {
			out = append(out, h)
		}
	}
	return out
}

// Len returns the number of entries.
func (inv *Inventory) Len() int { return len(inv.order) }

// Restrict narrows the inventory to the given host IDs. Every id must exist
// in the inventory; an empty list returns the inventory unchanged.
func (inv *Inventory) Restrict(ids []string) (*Inventory, error) {
	if len(ids) == 0 {
		return inv, nil
	}
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := inv.hosts[id]; !ok {
			return nil, fmt.Errorf("allowed_host_ids references unknown host %q", id)
		}
		keep[id] = true
	}
	sub := &Inventory{hosts: make(map[string]model.HostEntry, len(keep))}
	for _, id := range inv.order {
		if keep[id] {
			sub.hosts[id] = inv.hosts[id]
			sub.order = append(sub.order, id)
		}
	}
	return sub, nil
}
