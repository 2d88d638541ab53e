package rag

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/models"
)

// Index file layout, little endian:
//
//	magic [8]byte "ANYAIDX1"
//	dim   uint32
//	count uint64
//	count x { id uint64, vector [dim]float32 }
var indexMagic = [8]byte{'A', 'N', 'Y', 'A', 'I', 'D', 'X', '1'}

const metadataVersion = 1

type indexHeader struct {
	Magic [8]byte
	Dim   uint32
	Count uint64
}

// metadataFile is the JSON companion of the index file. It is written after
// the index and acts as the commit record for a save.
type metadataFile struct {
	Version    int              `json:"version"`
	Dimensions int              `json:"dimensions"`
	NextID     uint64           `json:"next_id"`
	SavedAt    time.Time        `json:"saved_at"`
	Records    []metadataRecord `json:"records"`
}

type metadataRecord struct {
	ID        uint64         `json:"id"`
	Text      string         `json:"text"`
	Speaker   models.Speaker `json:"speaker"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// writeIndexFile writes every record's vector to path atomically
func writeIndexFile(path string, dim int, records []*models.MemoryRecord) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		hdr := indexHeader{Magic: indexMagic, Dim: uint32(dim), Count: uint64(len(records))}
		if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
			return goerr.Wrap(err, "failed to write index header")
		}
		for _, r := range records {
			if len(r.Embedding) != dim {
				return goerr.Wrap(ErrDimensionMismatch, "record vector has wrong size",
					goerr.V("id", r.ID), goerr.V("size", len(r.Embedding)))
			}
			if err := binary.Write(w, binary.LittleEndian, r.ID); err != nil {
				return goerr.Wrap(err, "failed to write record id", goerr.V("id", r.ID))
			}
			if err := binary.Write(w, binary.LittleEndian, r.Embedding); err != nil {
				return goerr.Wrap(err, "failed to write record vector", goerr.V("id", r.ID))
			}
		}
		return nil
	})
}

// readIndexFile returns the vectors stored in path keyed by record id
func readIndexFile(path string, dim int) (map[uint64][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var hdr indexHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, goerr.Wrap(err, "failed to read index header", goerr.V("path", path))
	}
	if hdr.Magic != indexMagic {
		return nil, goerr.New("not an index file", goerr.V("path", path))
	}
	if int(hdr.Dim) != dim {
		return nil, goerr.Wrap(ErrDimensionMismatch, "index file dimension differs from configuration",
			goerr.V("path", path), goerr.V("file", hdr.Dim), goerr.V("config", dim))
	}

	vectors := make(map[uint64][]float32, hdr.Count)
	for i := uint64(0); i < hdr.Count; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, goerr.Wrap(err, "truncated index file", goerr.V("path", path), goerr.V("record", i))
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, goerr.Wrap(err, "truncated index file", goerr.V("path", path), goerr.V("record", i))
		}
		vectors[id] = vec
	}

	return vectors, nil
}

func writeMetadataFile(path string, meta *metadataFile) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(meta); err != nil {
			return goerr.Wrap(err, "failed to encode metadata")
		}
		return nil
	})
}

func readMetadataFile(path string) (*metadataFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, goerr.Wrap(err, "invalid metadata file", goerr.V("path", path))
	}
	return &meta, nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path.
func writeFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file", goerr.V("dir", dir))
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = write(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return goerr.Wrap(err, "failed to flush", goerr.V("path", tmpName))
	}
	if err = tmp.Sync(); err != nil {
		return goerr.Wrap(err, "failed to sync", goerr.V("path", tmpName))
	}
	if err = tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close", goerr.V("path", tmpName))
	}
	if err = os.Rename(tmpName, path); err != nil {
		return goerr.Wrap(err, "failed to replace file", goerr.V("path", path))
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, goerr.Wrap(err, "failed to stat file", goerr.V("path", path))
}
