package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FileRecordSchemaVersion is the current shape of FileRecord as stored in the directory.
// Bump it whenever a field changes meaning.
const FileRecordSchemaVersion = 1

// Lease is the write lease embedded in a FileRecord
type Lease struct {
	Held         bool      `json:"held"`
	HolderNodeID string    `json:"holder_node_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActiveAt reports whether the lease still excludes other writers at instant now
func (l Lease) ActiveAt(now time.Time) bool {
	return l.Held && !now.After(l.ExpiresAt)
}

// FileRecord is the cluster-wide metadata for one stored file
type FileRecord struct {
	SchemaVersion  int       `json:"schema_version"`
	FileName       string    `json:"file_name"`
	SizeBytes      int64     `json:"size_bytes"`
	Checksum       uint32    `json:"checksum"`
	CreatedAt      time.Time `json:"created_at"`
	PrimaryNodeID  string    `json:"primary_node_id"`
	ReplicaNodeIDs []string  `json:"replica_node_ids"`
	Lease          Lease     `json:"lease"`
}

// NewFileRecord creates a record owned by primaryNodeID with no replicas and no lease
func NewFileRecord(fileName string, sizeBytes int64, checksum uint32, primaryNodeID string, createdAt time.Time) *FileRecord {
	return &FileRecord{
		SchemaVersion:  FileRecordSchemaVersion,
		FileName:       fileName,
		SizeBytes:      sizeBytes,
		Checksum:       checksum,
		CreatedAt:      createdAt.UTC().Truncate(time.Millisecond),
		PrimaryNodeID:  primaryNodeID,
		ReplicaNodeIDs: []string{},
	}
}

// HasReplica reports whether nodeID holds a secondary copy
func (f *FileRecord) HasReplica(nodeID string) bool {
	idx := sort.SearchStrings(f.ReplicaNodeIDs, nodeID)
	return idx < len(f.ReplicaNodeIDs) && f.ReplicaNodeIDs[idx] == nodeID
}

// AddReplica adds nodeID to the replica set. The primary is never added.
func (f *FileRecord) AddReplica(nodeID string) bool {
	if nodeID == "" || nodeID == f.PrimaryNodeID || f.HasReplica(nodeID) {
		return false
	}
	f.ReplicaNodeIDs = append(f.ReplicaNodeIDs, nodeID)
	sort.Strings(f.ReplicaNodeIDs)
	return true
}

// RemoveReplica drops nodeID from the replica set
func (f *FileRecord) RemoveReplica(nodeID string) bool {
	idx := sort.SearchStrings(f.ReplicaNodeIDs, nodeID)
	if idx >= len(f.ReplicaNodeIDs) || f.ReplicaNodeIDs[idx] != nodeID {
		return false
	}
	f.ReplicaNodeIDs = append(f.ReplicaNodeIDs[:idx], f.ReplicaNodeIDs[idx+1:]...)
	return true
}

// Holders returns the primary followed by every replica
func (f *FileRecord) Holders() []string {
	holders := make([]string, 0, len(f.ReplicaNodeIDs)+1)
	if f.PrimaryNodeID != "" {
		holders = append(holders, f.PrimaryNodeID)
	}
	return append(holders, f.ReplicaNodeIDs...)
}

// Clone returns a deep copy
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	c.ReplicaNodeIDs = append([]string{}, f.ReplicaNodeIDs...)
	return &c
}

// Validate checks the record invariants
func (f *FileRecord) Validate() error {
	if f.FileName == "" {
		return fmt.Errorf("file record has no file name")
	}
	if f.PrimaryNodeID == "" {
		return fmt.Errorf("file record %s has no primary", f.FileName)
	}
	if f.HasReplica(f.PrimaryNodeID) {
		return fmt.Errorf("file record %s lists primary %s as a replica", f.FileName, f.PrimaryNodeID)
	}
	if f.SizeBytes < 0 {
		return fmt.Errorf("file record %s has negative size", f.FileName)
	}
	return nil
}

// EncodeFileRecord serializes a record for the directory
func EncodeFileRecord(f *FileRecord) (string, error) {
	if f.SchemaVersion == 0 {
		f.SchemaVersion = FileRecordSchemaVersion
	}
	if f.ReplicaNodeIDs == nil {
		f.ReplicaNodeIDs = []string{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("failed to marshal file record: %w", err)
	}
	return string(data), nil
}

// DecodeFileRecord parses a directory value into a record
func DecodeFileRecord(value string) (*FileRecord, error) {
	var f FileRecord
	if err := json.Unmarshal([]byte(value), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file record: %w", err)
	}
	if f.SchemaVersion > FileRecordSchemaVersion {
		return nil, fmt.Errorf("file record %s has unsupported schema version %d", f.FileName, f.SchemaVersion)
	}
	f.SchemaVersion = FileRecordSchemaVersion
	if f.ReplicaNodeIDs == nil {
		f.ReplicaNodeIDs = []string{}
	}
	sort.Strings(f.ReplicaNodeIDs)
	return &f, nil
}
