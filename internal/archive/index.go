package archive

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blockvault/blockvault/internal/codec"
)

const (
	volEntryPrefix  = "vol/"
	listEntryPrefix = "list/"
)

// IndexedVolume is the description of one Blocks volume inside an Index volume.
type IndexedVolume struct {
	Name   string     `json:"-"`
	Hash   string     `json:"volumehash"`
	Size   int64      `json:"volumesize"`
	Blocks []BlockRef `json:"blocks"`
}

// IndexVolumeWriter accumulates the content of a new Index volume.
type IndexVolumeWriter struct {
	codec      *Codec
	volumes    []IndexedVolume
	listOrder  []string
	blocklists map[string][]byte
}

// NewIndexVolume starts an empty Index volume.
func (c *Codec) NewIndexVolume() *IndexVolumeWriter {
	return &IndexVolumeWriter{codec: c, blocklists: make(map[string][]byte)}
}

// AddVolume records the block list of a Blocks volume.
func (w *IndexVolumeWriter) AddVolume(name, hash string, size int64, blocks []BlockRef) {
	w.volumes = append(w.volumes, IndexedVolume{Name: name, Hash: hash, Size: size, Blocks: blocks})
}

// AddBlocklist records the content of a blocklist stored in an indexed Blocks volume.
func (w *IndexVolumeWriter) AddBlocklist(hash string, data []byte) {
	if _, ok := w.blocklists[hash]; ok {
		return
	}
	w.blocklists[hash] = data
	w.listOrder = append(w.listOrder, hash)
}

// Finish seals the volume and returns the bytes to upload.
func (w *IndexVolumeWriter) Finish() ([]byte, error) {
	return w.codec.seal(func(cw *codec.ContainerWriter) error {
		for _, v := range w.volumes {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal index entry %s: %w", v.Name, err)
			}
			if err := cw.Add(volEntryPrefix+v.Name, raw); err != nil {
				return err
			}
		}
		for _, h := range w.listOrder {
			name, err := entryName(h)
			if err != nil {
				return err
			}
			if err := cw.Add(listEntryPrefix+name, w.blocklists[h]); err != nil {
				return err
			}
		}
		return nil
	})
}

// IndexVolume is the decoded content of an Index volume.
type IndexVolume struct {
	Volumes    []IndexedVolume
	Blocklists map[string][]byte
}

// OpenIndex decodes a downloaded Index volume. Blocklists whose content does not
// match their hash are dropped.
func (c *Codec) OpenIndex(data []byte) (*IndexVolume, error) {
	r, err := c.open(data)
	if err != nil {
		return nil, err
	}

	iv := &IndexVolume{Blocklists: make(map[string][]byte)}
	for _, name := range r.Names() {
		switch {
		case strings.HasPrefix(name, volEntryPrefix):
			raw, err := r.Read(name)
			if err != nil {
				return nil, err
			}
			var v IndexedVolume
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("parse index entry %s: %w", name, err)
			}
			v.Name = strings.TrimPrefix(name, volEntryPrefix)
			iv.Volumes = append(iv.Volumes, v)

		case strings.HasPrefix(name, listEntryPrefix):
			hash, err := hashFromEntry(strings.TrimPrefix(name, listEntryPrefix))
			if err != nil {
				return nil, err
			}
			raw, err := r.Read(name)
			if err != nil {
				return nil, err
			}
			if HashBlock(raw) != hash {
				continue
			}
			iv.Blocklists[hash] = raw
		}
	}
	return iv, nil
}
