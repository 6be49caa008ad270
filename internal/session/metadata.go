package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteMetadata persists meta into dir atomically: the JSON is written to a
// temp file in the same directory and renamed over metadata.json, so readers
// never observe a torn file.
func WriteMetadata(dir string, meta *Metadata) error {
	if meta.FormatVersion == 0 {
		meta.FormatVersion = MetadataFormatVersion
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", meta.SessionID, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync metadata temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, MetadataFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace metadata file: %w", err)
	}
	return nil
}

// ReadMetadata loads and validates the metadata file from dir.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if meta.SessionID == "" {
		return nil, fmt.Errorf("parse metadata: missing session_id")
	}
	if meta.FormatVersion > MetadataFormatVersion {
		return nil, fmt.Errorf("parse metadata: format version %d is newer than supported %d", meta.FormatVersion, MetadataFormatVersion)
	}
	return &meta, nil
}
