package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

const (
	ManifestFile  = "manifest.yaml"
	EntriesFile   = "entries.msgpack"
	FormatVersion = 1
)

// Manifest describes a saved index directory.
type Manifest struct {
	FormatVersion int       `yaml:"format_version"`
	Dimension     int       `yaml:"dimension"`
	Count         int       `yaml:"count"`
	CreatedAt     time.Time `yaml:"created_at"`
}

type Snapshot struct {
	Manifest Manifest
	Entries  []models.Entry
}

// WriteSnapshot stores entries under dir as a YAML manifest plus a msgpack
// entries file. Files are written to temporaries and renamed into place.
func WriteSnapshot(dir string, dimension int, entries []models.Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	if entries == nil {
		entries = []models.Entry{}
	}
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, EntriesFile), data); err != nil {
		return err
	}

	manifest, err := yaml.Marshal(Manifest{
		FormatVersion: FormatVersion,
		Dimension:     dimension,
		Count:         len(entries),
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, ManifestFile), manifest)
}

// ReadSnapshot loads and checks a directory written by WriteSnapshot. Any
// missing, unreadable or inconsistent file is reported as ErrCorruptIndex.
func ReadSnapshot(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ragerr.Newf(ragerr.ErrCorruptIndex, "no index manifest in %s", dir)
		}
		return nil, ragerr.Wrap(ragerr.ErrCorruptIndex, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCorruptIndex, fmt.Errorf("manifest: %w", err))
	}
	if manifest.FormatVersion != FormatVersion {
		return nil, ragerr.Newf(ragerr.ErrCorruptIndex, "unsupported index format version %d", manifest.FormatVersion)
	}
	if manifest.Count < 0 || manifest.Dimension < 0 || (manifest.Count > 0 && manifest.Dimension == 0) {
		return nil, ragerr.Newf(ragerr.ErrCorruptIndex, "invalid manifest: count=%d dimension=%d", manifest.Count, manifest.Dimension)
	}

	data, err := os.ReadFile(filepath.Join(dir, EntriesFile))
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCorruptIndex, err)
	}
	var entries []models.Entry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCorruptIndex, fmt.Errorf("entries: %w", err))
	}
	if len(entries) != manifest.Count {
		return nil, ragerr.Newf(ragerr.ErrCorruptIndex, "manifest lists %d entries, found %d", manifest.Count, len(entries))
	}
	for _, e := range entries {
		if len(e.Embedding) != manifest.Dimension {
			return nil, ragerr.Newf(ragerr.ErrCorruptIndex, "entry %q has %d dimensions, manifest says %d",
				e.ChunkID, len(e.Embedding), manifest.Dimension)
		}
	}
	return &Snapshot{Manifest: manifest, Entries: entries}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
