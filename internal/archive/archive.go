// Package archive reads and writes the contents of Blocks, Index and Files volumes.
//
// Every volume is a compressed container (see package codec) holding a manifest entry
// followed by type-specific entries:
//
//	Blocks: <base64url(hash)>             raw block payload
//	Index:  vol/<blocks volume name>      JSON block list of that volume
//	        list/<base64url(hash)>        raw blocklist (concatenated block hashes)
//	Files:  fileset                       JSON fileset flags
//	        filelist.json                 JSON file entries
package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockvault/blockvault/internal/codec"
)

// HashSize is the size in bytes of a raw block hash.
const HashSize = sha256.Size

// ManifestVersion is the current volume manifest version.
const ManifestVersion = 2

const (
	manifestEntry = "manifest"
	hashAlgorithm = "SHA256"
)

// ErrCorruptBlock is returned when a block payload does not match its hash.
var ErrCorruptBlock = errors.New("block content does not match its hash")

// ErrBlocksizeMismatch is returned when a volume was written with a different block size.
var ErrBlocksizeMismatch = errors.New("volume block size does not match configuration")

// Manifest is the descriptor stored at the start of every volume.
type Manifest struct {
	Version    int    `json:"Version"`
	Created    string `json:"Created"`
	Encoding   string `json:"Encoding"`
	Blocksize  int64  `json:"Blocksize"`
	BlockHash  string `json:"BlockHash"`
	FileHash   string `json:"FileHash"`
	AppVersion string `json:"AppVersion"`
}

// BlockRef identifies a block by content hash and size.
type BlockRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// AppVersion is recorded in every manifest. Set by the binary at startup.
var AppVersion = "dev"

// Codec bundles the container, optional encryption and block size used for volume I/O.
type Codec struct {
	container  *codec.Container
	encryption codec.Encryption
	blocksize  int64
}

// NewCodec builds a Codec from module names.
func NewCodec(compression, encryption, passphrase string, blocksize int64) (*Codec, error) {
	if blocksize < HashSize*2 {
		return nil, fmt.Errorf("block size %d is too small", blocksize)
	}
	c, err := codec.NewContainer(compression)
	if err != nil {
		return nil, err
	}
	e, err := codec.NewEncryption(encryption, passphrase)
	if err != nil {
		return nil, err
	}
	return &Codec{container: c, encryption: e, blocksize: blocksize}, nil
}

// Blocksize returns the configured block size.
func (c *Codec) Blocksize() int64 { return c.blocksize }

// HashesPerBlocklist is the number of block hashes a single blocklist can hold.
func (c *Codec) HashesPerBlocklist() int64 { return c.blocksize / HashSize }

// CompressionModule returns the compression module name for volume file names.
func (c *Codec) CompressionModule() string { return c.container.Name() }

// EncryptionModule returns the encryption module name, empty when unencrypted.
func (c *Codec) EncryptionModule() string {
	if c.encryption == nil {
		return ""
	}
	return c.encryption.Name()
}

func (c *Codec) seal(build func(w *codec.ContainerWriter) error) ([]byte, error) {
	var buf bytes.Buffer
	w := c.container.NewWriter(&buf)

	manifest, err := json.Marshal(Manifest{
		Version:    ManifestVersion,
		Created:    time.Now().UTC().Format(time.RFC3339),
		Encoding:   "utf8",
		Blocksize:  c.blocksize,
		BlockHash:  hashAlgorithm,
		FileHash:   hashAlgorithm,
		AppVersion: AppVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := w.Add(manifestEntry, manifest); err != nil {
		return nil, err
	}
	if err := build(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close container: %w", err)
	}

	if c.encryption == nil {
		return buf.Bytes(), nil
	}
	return c.encryption.Encrypt(buf.Bytes())
}

func (c *Codec) open(data []byte) (*codec.ContainerReader, error) {
	if c.encryption != nil {
		plain, err := c.encryption.Decrypt(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	r, err := c.container.Open(data)
	if err != nil {
		return nil, err
	}

	raw, err := r.Read(manifestEntry)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Blocksize != c.blocksize {
		return nil, fmt.Errorf("%w: volume has %d, configured %d", ErrBlocksizeMismatch, m.Blocksize, c.blocksize)
	}
	return r, nil
}

// HashBlock returns the ledger representation of a block hash.
func HashBlock(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

// HashVolume returns the hash recorded for the remote bytes of a volume.
func HashVolume(data []byte) string {
	return HashBlock(data)
}

// entryName converts a ledger hash into a container-safe entry name.
func entryName(hash string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return "", fmt.Errorf("bad block hash %q: %w", hash, err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// hashFromEntry converts a container entry name back into a ledger hash.
func hashFromEntry(name string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("bad entry name %q: %w", name, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeBlocklist concatenates the raw form of the given block hashes.
func EncodeBlocklist(hashes []string) ([]byte, error) {
	out := make([]byte, 0, len(hashes)*HashSize)
	for _, h := range hashes {
		raw, err := base64.StdEncoding.DecodeString(h)
		if err != nil || len(raw) != HashSize {
			return nil, fmt.Errorf("bad block hash %q", h)
		}
		out = append(out, raw...)
	}
	return out, nil
}

// DecodeBlocklist splits a raw blocklist into ledger hashes.
func DecodeBlocklist(data []byte) ([]string, error) {
	if len(data)%HashSize != 0 {
		return nil, fmt.Errorf("blocklist length %d is not a multiple of %d", len(data), HashSize)
	}
	hashes := make([]string, 0, len(data)/HashSize)
	for i := 0; i < len(data); i += HashSize {
		hashes = append(hashes, base64.StdEncoding.EncodeToString(data[i:i+HashSize]))
	}
	return hashes, nil
}
