// Package snapshot persists resolution state to disk so a restarted resolver
// can serve inference without rebuilding. A snapshot file is a fixed binary
// header, a JSON-encoded state section, and a CRC32 footer; writes go to a
// temp file and are renamed into place atomically.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/incredibeau/specific-affinity/internal/resolve"
)

const (
	// MagicBytes identifies a valid .afsnap snapshot file ("AFSN").
	MagicBytes    uint32 = 0x4146534e
	FormatVersion uint32 = 1
	HeaderSize    int    = 32
	FooterSize    int    = 8

	// FileExt is the snapshot file extension.
	FileExt = ".afsnap"
)

// header layout:
//
//	0:4   magic
//	4:8   format version
//	8:16  body size (bytes)
//	16:24 cluster count
//	24:32 reserved

// Save writes the exported engine state for dataset into dir, replacing any
// previous snapshot for the same dataset.
func Save(dir, dataset string, st *resolve.ExportedState) error {
	if st == nil {
		return fmt.Errorf("cannot snapshot an empty engine")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding snapshot body: %w", err)
	}

	finalPath := Path(dir, dataset)
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(body)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(st.Clusters)))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		return fmt.Errorf("writing snapshot body: %w", err)
	}
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], crc32.ChecksumIEEE(body))
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("writing snapshot footer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot file: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

// Load reads and verifies the snapshot for dataset. It returns os.ErrNotExist
// (wrapped) when no snapshot exists.
func Load(dir, dataset string) (*resolve.ExportedState, error) {
	data, err := os.ReadFile(Path(dir, dataset))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("snapshot file truncated: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("bad snapshot magic 0x%08x", magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	bodySize := binary.LittleEndian.Uint64(data[8:16])
	if uint64(len(data)) != uint64(HeaderSize+FooterSize)+bodySize {
		return nil, fmt.Errorf("snapshot size mismatch: header says %d body bytes", bodySize)
	}
	body := data[HeaderSize : HeaderSize+int(bodySize)]
	footer := data[len(data)-FooterSize:]
	if sum := crc32.ChecksumIEEE(body); sum != binary.LittleEndian.Uint32(footer[0:4]) {
		return nil, fmt.Errorf("snapshot checksum mismatch")
	}

	var st resolve.ExportedState
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decoding snapshot body: %w", err)
	}
	return &st, nil
}

// List returns the dataset names with a snapshot in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == FileExt {
			names = append(names, name[:len(name)-len(FileExt)])
		}
	}
	return names, nil
}

// Path returns the snapshot file path for dataset.
func Path(dir, dataset string) string {
	return filepath.Join(dir, dataset+FileExt)
}

// Remove deletes a dataset's snapshot file. Missing files are not an error.
func Remove(dir, dataset string) error {
	if err := os.Remove(Path(dir, dataset)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	return nil
}
