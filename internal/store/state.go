// Package store keeps small local files: the node's identity state and
// the daemon PID file.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"gopkg.in/yaml.v3"
)

// Identity is the node identity that survives restarts.
type Identity struct {
	UpdatedAt       time.Time `yaml:"updated_at"`
	DeviceID        string    `yaml:"device_id"`
	DeviceName      string    `yaml:"device_name"`
	NodeID          string    `yaml:"node_id,omitempty"`
	PublicAddr      string    `yaml:"public_addr,omitempty"`
	IPClass         string    `yaml:"ip_class,omitempty"`
	LastConnectedAt time.Time `yaml:"last_connected_at,omitempty"`

	path string
}

// OpenIdentity reads the identity file at path, assigning and persisting
// a device identity on first use.
func OpenIdentity(path string) (*Identity, error) {
	id := &Identity{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, id); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if id.DeviceID != "" && id.DeviceName != "" {
		return id, nil
	}

	hostname, _ := os.Hostname()
	if id.DeviceID == "" {
		hostID, err := host.HostID()
		if err != nil || hostID == "" {
			hostID = uuid.NewString()
		}
		id.DeviceID = DeviceID(hostname, runtime.GOARCH, hostID)
	}
	if id.DeviceName == "" {
		id.DeviceName = DefaultDeviceName(hostname)
	}
	if err := id.save(); err != nil {
		return nil, err
	}
	return id, nil
}

// RecordSession stores what the backend assigned on the last successful
// login.
func (id *Identity) RecordSession(nodeID, ipClass, publicAddr string, at time.Time) error {
	id.NodeID = nodeID
	id.IPClass = ipClass
	id.PublicAddr = publicAddr
	id.LastConnectedAt = at.UTC()
	return id.save()
}

func (id *Identity) save() error {
	id.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(id.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(id.path, data, 0o600)
}

// DeviceID derives a stable device identifier from host attributes.
func DeviceID(hostname, arch, hostID string) string {
	sum := sha256.Sum256([]byte(hostname + "-" + arch + "-" + hostID))
	return "cli_" + hex.EncodeToString(sum[:])[:24]
}

// DefaultDeviceName is the name shown for the node in the dashboard.
func DefaultDeviceName(hostname string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname = "unknown"
	}
	return "CLI Node - " + hostname
}
