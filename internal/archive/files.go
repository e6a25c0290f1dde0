package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockvault/blockvault/internal/codec"
)

const (
	filesetEntry  = "fileset"
	filelistEntry = "filelist.json"
)

// EntryType is the kind of filesystem entry recorded in a filelist.
type EntryType string

// Filelist entry types.
const (
	EntryFile    EntryType = "File"
	EntryFolder  EntryType = "Folder"
	EntrySymlink EntryType = "Symlink"
)

// FileEntry is one entry of a fileset manifest.
//
// A file whose content fits in one block carries BlockHash; larger files carry the
// hashes of their blocklists instead.
type FileEntry struct {
	Type       EntryType `json:"type"`
	Path       string    `json:"path"`
	Hash       string    `json:"hash,omitempty"`
	Size       int64     `json:"size"`
	Time       time.Time `json:"time"`
	BlockHash  string    `json:"blockhash,omitempty"`
	Blocklists []string  `json:"blocklists,omitempty"`
}

// Filelist is the decoded content of a Files volume.
type Filelist struct {
	IsFullBackup bool
	Entries      []FileEntry
}

type filesetFlags struct {
	IsFullBackup bool `json:"IsFullBackup"`
}

// WriteFilelist seals a Files volume.
func (c *Codec) WriteFilelist(fl Filelist) ([]byte, error) {
	return c.seal(func(cw *codec.ContainerWriter) error {
		flags, err := json.Marshal(filesetFlags{IsFullBackup: fl.IsFullBackup})
		if err != nil {
			return fmt.Errorf("marshal fileset: %w", err)
		}
		if err := cw.Add(filesetEntry, flags); err != nil {
			return err
		}

		entries := fl.Entries
		if entries == nil {
			entries = []FileEntry{}
		}
		raw, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshal filelist: %w", err)
		}
		return cw.Add(filelistEntry, raw)
	})
}

// OpenFilelist decodes a downloaded Files volume. Volumes written before the
// fileset entry existed are treated as full backups.
func (c *Codec) OpenFilelist(data []byte) (*Filelist, error) {
	r, err := c.open(data)
	if err != nil {
		return nil, err
	}

	fl := &Filelist{IsFullBackup: true}
	if r.Has(filesetEntry) {
		raw, err := r.Read(filesetEntry)
		if err != nil {
			return nil, err
		}
		var flags filesetFlags
		if err := json.Unmarshal(raw, &flags); err != nil {
			return nil, fmt.Errorf("parse fileset: %w", err)
		}
		fl.IsFullBackup = flags.IsFullBackup
	}

	raw, err := r.Read(filelistEntry)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fl.Entries); err != nil {
		return nil, fmt.Errorf("parse filelist: %w", err)
	}
	return fl, nil
}
