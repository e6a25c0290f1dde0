package archive

import (
	"fmt"

	"github.com/blockvault/blockvault/internal/codec"
)

// BlockVolumeWriter accumulates blocks for a new Blocks volume.
type BlockVolumeWriter struct {
	codec  *Codec
	order  []BlockRef
	data   map[string][]byte
	size   int64
	sealed bool
}

// NewBlockVolume starts an empty Blocks volume.
func (c *Codec) NewBlockVolume() *BlockVolumeWriter {
	return &BlockVolumeWriter{codec: c, data: make(map[string][]byte)}
}

// Add appends a block. Adding a hash already in the volume is a no-op.
func (w *BlockVolumeWriter) Add(hash string, data []byte) error {
	if w.sealed {
		return fmt.Errorf("block volume already finished")
	}
	if int64(len(data)) > w.codec.blocksize {
		return fmt.Errorf("block %s is %d bytes, larger than block size %d", hash, len(data), w.codec.blocksize)
	}
	if _, ok := w.data[hash]; ok {
		return nil
	}
	w.data[hash] = data
	w.order = append(w.order, BlockRef{Hash: hash, Size: int64(len(data))})
	w.size += int64(len(data))
	return nil
}

// Has reports whether the volume already holds the block.
func (w *BlockVolumeWriter) Has(hash string) bool {
	_, ok := w.data[hash]
	return ok
}

// Size is the total payload size added so far.
func (w *BlockVolumeWriter) Size() int64 { return w.size }

// Count is the number of blocks added so far.
func (w *BlockVolumeWriter) Count() int { return len(w.order) }

// Blocks returns the blocks in insertion order.
func (w *BlockVolumeWriter) Blocks() []BlockRef {
	out := make([]BlockRef, len(w.order))
	copy(out, w.order)
	return out
}

// Finish seals the volume and returns the bytes to upload.
func (w *BlockVolumeWriter) Finish() ([]byte, error) {
	w.sealed = true
	return w.codec.seal(func(cw *codec.ContainerWriter) error {
		for _, b := range w.order {
			name, err := entryName(b.Hash)
			if err != nil {
				return err
			}
			if err := cw.Add(name, w.data[b.Hash]); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlockVolume is an opened Blocks volume.
type BlockVolume struct {
	r      *codec.ContainerReader
	blocks []BlockRef
	names  map[string]string
}

// OpenBlocks opens a downloaded Blocks volume.
func (c *Codec) OpenBlocks(data []byte) (*BlockVolume, error) {
	r, err := c.open(data)
	if err != nil {
		return nil, err
	}
	v := &BlockVolume{r: r, names: make(map[string]string)}
	for _, name := range r.Names() {
		if name == manifestEntry {
			continue
		}
		hash, err := hashFromEntry(name)
		if err != nil {
			return nil, err
		}
		v.names[hash] = name
		v.blocks = append(v.blocks, BlockRef{Hash: hash})
	}
	return v, nil
}

// Len returns the number of blocks in the volume.
func (v *BlockVolume) Len() int { return len(v.blocks) }

// Each calls fn for every block in volume order. Sizes are taken from the payload.
func (v *BlockVolume) Each(fn func(hash string, data []byte) error) error {
	for _, b := range v.blocks {
		data, err := v.r.Read(v.names[b.Hash])
		if err != nil {
			return err
		}
		if HashBlock(data) != b.Hash {
			return fmt.Errorf("%w: %s", ErrCorruptBlock, b.Hash)
		}
		if err := fn(b.Hash, data); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the payload of a single block.
func (v *BlockVolume) Read(hash string) ([]byte, error) {
	name, ok := v.names[hash]
	if !ok {
		return nil, fmt.Errorf("block %s not in volume", hash)
	}
	return v.r.Read(name)
}
