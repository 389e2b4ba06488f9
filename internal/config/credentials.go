package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CredentialRecord is the on-disk JSON projection of one credential — the
// subset of fields safe to persist (data model: "pool snapshot"). Transient
// fields (in-flight counters, balance cache, affinity, circuit state) never
// appear here.
type CredentialRecord struct {
	ID           int    `json:"id,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"` // RFC3339
	AuthMethod   string `json:"authMethod"`          // social|idc (builder-id/iam accepted as idc aliases)
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	Region       string `json:"region,omitempty"`
	MachineID    string `json:"machineId,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`

	// Persistent counters, bucketed by day and by model.
	CallCounts  map[string]int `json:"callCounts,omitempty"`  // "2026-07-31" -> count
	TokenCounts map[string]int `json:"tokenCounts,omitempty"` // "2026-07-31:model" -> tokens
}

// NormalizeAuthMethod maps the "builder-id"/"iam" aliases onto "idc", and
// anything else onto "social".
func NormalizeAuthMethod(raw string) string {
	switch raw {
	case "idc", "builder-id", "iam":
		return "idc"
	default:
		return "social"
	}
}

// LoadCredentialsFile reads a credentials file that is either a single
// object (legacy) or an array of objects, returning it always as a slice.
func LoadCredentialsFile(path string) ([]CredentialRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	return ParseCredentialsFile(data)
}

// ParseCredentialsFile parses raw JSON bytes in either legacy-single-object
// or array form.
func ParseCredentialsFile(data []byte) ([]CredentialRecord, error) {
	trimmed := skipLeadingSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []CredentialRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("credentials: parse array: %w", err)
		}
		return records, nil
	}
	var single CredentialRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("credentials: parse object: %w", err)
	}
	return []CredentialRecord{single}, nil
}

func skipLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// WriteCredentialsFileAtomic rewrites path from the full in-memory
// projection: write to a temp file in the same directory, fsync, rename
// over the original. Legacy single-object files are promoted to array form
// by this function — every write is an array, regardless of how the file
// was first read.
func WriteCredentialsFileAtomic(path string, records []CredentialRecord) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credentials: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if records == nil {
		records = []CredentialRecord{}
	}
	if err := enc.Encode(records); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credentials: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credentials: rename into place: %w", err)
	}
	return nil
}
