package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// CompressionZip is the module name of the zip container with zstd-compressed entries.
const CompressionZip = "zip"

// Container creates and opens compressed volume containers.
type Container struct {
	module string
}

// NewContainer returns the container implementation for the given compression module.
func NewContainer(module string) (*Container, error) {
	if module != CompressionZip {
		return nil, fmt.Errorf("%w: compression %q", ErrUnknownModule, module)
	}
	return &Container{module: module}, nil
}

// Name returns the module name used as the volume filename extension.
func (c *Container) Name() string { return c.module }

// ContainerWriter appends named entries to a container.
type ContainerWriter struct {
	zw *zip.Writer
}

// NewWriter starts a new container writing into w.
func (c *Container) NewWriter(w io.Writer) *ContainerWriter {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedDefault)))
	return &ContainerWriter{zw: zw}
}

// Add writes one entry.
func (w *ContainerWriter) Add(name string, data []byte) error {
	f, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zstd.ZipMethodWinZip,
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// Close finalizes the container directory.
func (w *ContainerWriter) Close() error {
	return w.zw.Close()
}

// ContainerReader gives random access to the entries of a container.
type ContainerReader struct {
	zr      *zip.Reader
	entries map[string]*zip.File
}

// Open parses a container held in memory.
func (c *Container) Open(data []byte) (*ContainerReader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	r := &ContainerReader{zr: zr, entries: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		r.entries[f.Name] = f
	}
	return r, nil
}

// Names returns the entry names in container order.
func (r *ContainerReader) Names() []string {
	names := make([]string, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		names = append(names, f.Name)
	}
	return names
}

// Has reports whether the container holds the named entry.
func (r *ContainerReader) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Read returns the content of the named entry.
func (r *ContainerReader) Read(name string) ([]byte, error) {
	f, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("entry %s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", name, err)
	}
	return data, nil
}
