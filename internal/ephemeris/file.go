package ephemeris

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// WriteFile persists snap as zstd-compressed msgpack. The file is written
// beside path and renamed into place so a crash never leaves a torn snapshot.
func WriteFile(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ephemeris-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return err
	}
	if err := msgpack.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var snap Snapshot
	if err := msgpack.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if len(snap.Days) == 0 {
		return nil, fmt.Errorf("snapshot %s has no days", path)
	}
	// msgpack decodes timestamps in the local zone.
	snap.LoadedAt = snap.LoadedAt.UTC()
	snap.Elements.Epoch = snap.Elements.Epoch.UTC()
	for _, d := range snap.Days {
		d.Start = d.Start.UTC()
		for i := range d.Samples {
			d.Samples[i].T = d.Samples[i].T.UTC()
		}
	}
	snap.index()
	return &snap, nil
}
