// Package catalog implements the crawler.CatalogSink: batch persistence
// through a CatalogStore and catalog export to a local spreadsheet, optionally
// uploaded to a blob store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/storefront-catalog/internal/clock/system"
	"github.com/JakeFAU/storefront-catalog/internal/crawler"
	"github.com/JakeFAU/storefront-catalog/internal/export"
	"github.com/JakeFAU/storefront-catalog/internal/hash/sha256"
)

// Digester hashes a stream.
type Digester interface {
	HashReader(r io.Reader) (string, error)
}

// Sink persists batches and exports the catalog.
type Sink struct {
	store    crawler.CatalogStore
	blobs    crawler.BlobStore
	digester Digester
	clock    crawler.Clock
	prefix   string
	logger   *zap.Logger
}

// Option customizes a Sink.
type Option func(*Sink)

// WithUploader uploads every export to blobs under prefix.
func WithUploader(blobs crawler.BlobStore, prefix string) Option {
	return func(s *Sink) {
		s.blobs = blobs
		s.prefix = strings.Trim(prefix, "/")
	}
}

// WithClock sets the clock used to date upload keys.
func WithClock(c crawler.Clock) Option {
	return func(s *Sink) { s.clock = c }
}

// WithDigester replaces the content digest used in upload keys.
func WithDigester(d Digester) Option {
	return func(s *Sink) { s.digester = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// New builds a Sink over store.
func New(store crawler.CatalogStore, opts ...Option) (*Sink, error) {
	if store == nil {
		return nil, errors.New("catalog sink requires a store")
	}
	s := &Sink{
		store:    store,
		digester: sha256.New(),
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// UpsertBatch writes records as one atomic batch.
func (s *Sink) UpsertBatch(ctx context.Context, records []crawler.ProductRecord) error {
	if err := s.store.UpsertBatch(ctx, records); err != nil {
		if errors.Is(err, crawler.ErrDB) {
			return err
		}
		return fmt.Errorf("%w: %w", crawler.ErrDB, err)
	}
	return nil
}

// ListIncomplete returns ids of records that never received detail data.
func (s *Sink) ListIncomplete(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.store.ListIncomplete(ctx, limit)
	if err != nil {
		if errors.Is(err, crawler.ErrDB) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", crawler.ErrDB, err)
	}
	return ids, nil
}

// ExportAll writes every stored record to filePath, ordered by product id,
// under a header row of schema labels. The format follows the extension.
// With an uploader configured the file is also uploaded and the blob URI is
// returned; otherwise the local file URI is.
func (s *Sink) ExportAll(ctx context.Context, filePath string) (string, error) {
	writer, err := export.ForPath(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrIO, err)
	}
	records, err := s.store.ListAll(ctx)
	if err != nil {
		if errors.Is(err, crawler.ErrDB) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", crawler.ErrDB, err)
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("%w: resolve export path: %w", crawler.ErrIO, err)
	}
	if err := writeAtomic(abs, func(w io.Writer) error {
		return writer.Write(w, s.store.Schema(), records)
	}); err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrIO, err)
	}
	s.logger.Info("catalog written", zap.String("path", abs), zap.Int("rows", len(records)))
	if s.blobs == nil {
		return "file://" + abs, nil
	}
	uri, err := s.upload(ctx, abs, writer)
	if err != nil {
		return "", fmt.Errorf("%w: %w", crawler.ErrIO, err)
	}
	s.logger.Info("catalog uploaded", zap.String("uri", uri))
	return uri, nil
}

func (s *Sink) upload(ctx context.Context, abs string, writer export.Writer) (string, error) {
	// #nosec G304 -- abs is the export file this sink just wrote.
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("open export: %w", err)
	}
	defer func() { _ = f.Close() }()
	digest, err := s.digester.HashReader(f)
	if err != nil {
		return "", fmt.Errorf("digest export: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind export: %w", err)
	}
	key := s.objectKey(filepath.Base(abs), digest, writer.Extension())
	uri, err := s.blobs.PutObject(ctx, key, writer.ContentType(), f)
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return uri, nil
}

// objectKey builds prefix/YYYY/MM/DD/<stem>-<digest12><ext>.
func (s *Sink) objectKey(base, digest, ext string) string {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if len(digest) > 12 {
		digest = digest[:12]
	}
	day := s.clock.Now().UTC().Format("2006/01/02")
	name := fmt.Sprintf("%s-%s%s", stem, digest, ext)
	if s.prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(s.prefix, day, name)
}

// writeAtomic renders into a temp file beside target and renames it into place.
func writeAtomic(target string, render func(io.Writer) error) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("create temp export: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := render(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("render export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp export: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("move export into place: %w", err)
	}
	return nil
}
