package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeRecordSchemaVersion is the current shape of NodeRecord
const NodeRecordSchemaVersion = 1

// NodeRecord describes one storage node as seen by the rest of the cluster
type NodeRecord struct {
	SchemaVersion int       `json:"schema_version"`
	NodeID        string    `json:"node_id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	FileCount     int64     `json:"file_count"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Endpoint returns host:port for dialing the node
func (n *NodeRecord) Endpoint() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// EncodeNodeRecord serializes a node record for the directory
func EncodeNodeRecord(n *NodeRecord) (string, error) {
	if n.SchemaVersion == 0 {
		n.SchemaVersion = NodeRecordSchemaVersion
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal node record: %w", err)
	}
	return string(data), nil
}

// DecodeNodeRecord parses a directory value into a node record
func DecodeNodeRecord(value string) (*NodeRecord, error) {
	var n NodeRecord
	if err := json.Unmarshal([]byte(value), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node record: %w", err)
	}
	if n.SchemaVersion > NodeRecordSchemaVersion {
		return nil, fmt.Errorf("node record %s has unsupported schema version %d", n.NodeID, n.SchemaVersion)
	}
	n.SchemaVersion = NodeRecordSchemaVersion
	return &n, nil
}

// ServiceInstance is a healthy registration returned by the directory
type ServiceInstance struct {
	NodeID         string
	Address        string
	Port           int
	HealthCheckURL string
}

// Endpoint returns host:port for dialing the instance
func (s *ServiceInstance) Endpoint() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}
