package snapshot

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
)

// Metadata is the document written next to the snapshot pages. It is what a
// restarting engine reads to re-instantiate storages.
type Metadata struct {
	ID               common.SnapshotID  `json:"id"`
	BaseEpoch        common.Epoch       `json:"base_epoch"`
	ValidUntilEpoch  common.Epoch       `json:"valid_until_epoch"`
	LargestStorageID common.StorageID   `json:"largest_storage_id"`
	Storages         []storage.Metadata `json:"storages"`
}

// GetMetadata returns the per-storage entry, or nil.
func (m *Metadata) GetMetadata(id common.StorageID) *storage.Metadata {
	for i := range m.Storages {
		if m.Storages[i].ID == id {
			return &m.Storages[i]
		}
	}
	return nil
}

func MetadataFilePath(dir string, id common.SnapshotID) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot_metadata_%d.json", id))
}

func (m *Metadata) SaveToFile(fs afero.Fs, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshaling metadata: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: writing metadata %s: %w", path, err)
	}
	return nil
}

func LoadMetadataFromFile(fs afero.Fs, path string) (*Metadata, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading metadata %s: %w", path, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("snapshot: parsing metadata %s: %w", path, err)
	}
	return &m, nil
}
