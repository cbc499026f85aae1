package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/trace"
)

const (
	// ManifestName is the name of the manifest inside the archive
	ManifestName = "manifest.json"

	// BlobExtension is the extension of externalized payloads
	BlobExtension = ".blob"

	// maxEntrySize protects against archives that expand to huge sizes
	maxEntrySize = 512 * datasize.MB
)

// Meta is the _bundle block of the manifest
type Meta struct {
	Version       string    `json:"version"`
	FormatVersion uint32    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	Compression   bool      `json:"compression"`
	LargePayloads []string  `json:"large_payloads"`
}

type manifest struct {
	trace.Bundle
	Meta Meta `json:"_bundle"`
}

// payload is a bundle field that can be moved into its own blob file
type payload struct {
	name string
	get  func(b *trace.Bundle) string
	set  func(b *trace.Bundle, v string)
}

var payloads = []payload{
	{
		name: "response_content",
		get:  func(b *trace.Bundle) string { return b.Response.Content },
		set:  func(b *trace.Bundle, v string) { b.Response.Content = v },
	},
}

func payloadByName(name string) (payload, bool) {
	for _, p := range payloads {
		if p.name == name {
			return p, true
		}
	}
	return payload{}, false
}

// PackOptions configures Pack
type PackOptions struct {
	Compress       bool
	MaxPayloadSize datasize.ByteSize // payloads larger than this are externalized
	TempDir        string            // parent of the staging directory, default os.TempDir()
	Now            time.Time         // created_at, default time.Now()
}

// PackStats are statistics about a packed bundle
type PackStats struct {
	TPacked        time.Duration
	ManifestSize   datasize.ByteSize
	BlobsSize      datasize.ByteSize
	CompressedSize datasize.ByteSize
	LargePayloads  []string
}

// Pack serializes a bundle to a zip archive. The manifest and blobs are
// staged in a temporary directory that is always removed before returning.
func Pack(b *trace.Bundle, opt PackOptions) ([]byte, PackStats, error) {
	var stat PackStats
	t0 := time.Now()
	if opt.Now.IsZero() {
		opt.Now = time.Now()
	}

	stage, err := os.MkdirTemp(opt.TempDir, "chronotrace-pack-")
	if err != nil {
		return nil, stat, errors.Wrap(err, "create staging dir")
	}
	defer func() {
		_ = os.RemoveAll(stage)
	}()

	m := manifest{
		Bundle: *b,
		Meta: Meta{
			Version:       BundleVersion,
			FormatVersion: CurrentFormatVersion,
			CreatedAt:     opt.Now.UTC(),
			Compression:   opt.Compress,
			LargePayloads: []string{},
		},
	}

	// Externalize large payloads
	var files []string
	for _, p := range payloads {
		v := p.get(&m.Bundle)
		if opt.MaxPayloadSize == 0 || uint64(len(v)) <= opt.MaxPayloadSize.Bytes() {
			continue
		}
		name := p.name + BlobExtension
		if err := os.WriteFile(filepath.Join(stage, name), []byte(v), 0o600); err != nil {
			return nil, stat, errors.Wrapf(err, "stage %s", name)
		}
		p.set(&m.Bundle, "")
		m.Meta.LargePayloads = append(m.Meta.LargePayloads, p.name)
		stat.BlobsSize += datasize.ByteSize(len(v))
		files = append(files, name)
	}
	stat.LargePayloads = m.Meta.LargePayloads

	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, stat, errors.Wrap(err, "marshal manifest")
	}
	if err := os.WriteFile(filepath.Join(stage, ManifestName), manifestData, 0o600); err != nil {
		return nil, stat, errors.Wrap(err, "stage manifest")
	}
	stat.ManifestSize = datasize.ByteSize(len(manifestData))
	files = append([]string{ManifestName}, files...)

	// Archive the staged files
	method := zip.Store
	if opt.Compress {
		method = zip.Deflate
	}
	out := bytes.NewBuffer(make([]byte, 0, len(manifestData)/2+int(stat.BlobsSize)))
	zw := zip.NewWriter(out)
	for _, name := range files {
		if err := addFile(zw, filepath.Join(stage, name), name, method, opt.Now); err != nil {
			return nil, stat, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, stat, errors.Wrap(err, "close archive")
	}

	data := out.Bytes()
	stat.CompressedSize = datasize.ByteSize(len(data))
	stat.TPacked = time.Since(t0)
	return data, stat, nil
}

func addFile(zw *zip.Writer, src, name string, method uint16, mtime time.Time) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open staged %s", name)
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: mtime,
	})
	if err != nil {
		return errors.Wrapf(err, "add %s", name)
	}
	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "write %s", name)
	}
	return nil
}

// Unpack reads a bundle archive from a local file and reconstitutes the
// externalized payloads. Unknown files in the archive are ignored.
func Unpack(archivePath string) (*trace.Bundle, Meta, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, Meta{}, errors.Wrap(err, "open archive")
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	mf, ok := files[ManifestName]
	if !ok {
		return nil, Meta{}, fmt.Errorf("archive has no %s", ManifestName)
	}
	manifestData, err := readEntry(mf)
	if err != nil {
		return nil, Meta{}, err
	}
	var m manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, Meta{}, errors.Wrap(err, "parse manifest")
	}
	if m.Meta.FormatVersion > CurrentFormatVersion {
		return nil, m.Meta, fmt.Errorf("manifest format version %d is newer than supported %d",
			m.Meta.FormatVersion, CurrentFormatVersion)
	}

	// Older manifests do not list their payloads, rely on the blob files
	for name, f := range files {
		base, isBlob := strings.CutSuffix(name, BlobExtension)
		if !isBlob {
			continue
		}
		p, known := payloadByName(base)
		if !known {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, m.Meta, err
		}
		p.set(&m.Bundle, string(data))
	}
	for _, name := range m.Meta.LargePayloads {
		if _, ok := files[name+BlobExtension]; !ok {
			return nil, m.Meta, fmt.Errorf("archive is missing payload %s", name)
		}
	}

	b := m.Bundle
	return &b, m.Meta, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize.Bytes() {
		return nil, fmt.Errorf("archive entry %s too large: %d bytes", f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", f.Name)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, int64(maxEntrySize.Bytes())+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", f.Name)
	}
	if uint64(len(data)) > maxEntrySize.Bytes() {
		return nil, fmt.Errorf("archive entry %s too large", f.Name)
	}
	return data, nil
}
