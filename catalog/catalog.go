// Package catalog loads the ordered set of tenant migration scripts from disk.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"ariga.io/atlas/sql/migrate"
	"go.uber.org/zap"
)

// Unit is one migration script.
type Unit struct {
	Name     string // File name without ".sql"; the ordering and ledger key.
	Source   string
	Checksum string // Hex SHA-256 of Source.
	Path     string
}

// Catalog is an ordered list of units, ascending by Name.
type Catalog []Unit

// Units returns a copy of the catalog.
func (c Catalog) Units() []Unit {
	return append([]Unit(nil), c...)
}

// Names returns the unit names in order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, u := range c {
		names[i] = u.Name
	}
	return names
}

// InitializationError means the catalog could not be loaded. It is fatal for
// the process.
type InitializationError struct {
	Dir string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to load migrations from %s: %v", e.Dir, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Checksum returns the hex SHA-256 of a migration source.
func Checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSumCheck makes the loader validate the directory against atlas.sum when
// that file is present.
func WithSumCheck() LoaderOption {
	return func(l *Loader) { l.sumCheck = true }
}

// Loader reads the migration directory once and serves the result.
type Loader struct {
	dir      string
	logger   *zap.Logger
	sumCheck bool

	once    sync.Once
	catalog Catalog
	err     error
	loaded  atomic.Bool
}

// NewLoader returns a Loader for dir. Nothing is read until Initialize.
func NewLoader(dir string, logger *zap.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{dir: dir, logger: logger.With(zap.String("component", "catalog"))}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the directory the loader reads.
func (l *Loader) Dir() string { return l.dir }

// Initialize loads the catalog. The first call does the work; concurrent callers
// wait for it and every call returns the same result.
func (l *Loader) Initialize(ctx context.Context) error {
	l.once.Do(func() {
		l.catalog, l.err = l.load(ctx)
		if l.err != nil {
			l.logger.Error("Failed to load migration catalog", zap.String("dir", l.dir), zap.Error(l.err))
			return
		}
		l.loaded.Store(true)
		l.logger.Info("Loaded migration catalog", zap.String("dir", l.dir), zap.Int("migrations", len(l.catalog)))
	})
	return l.err
}

// Initialized reports whether a load has completed successfully.
func (l *Loader) Initialized() bool { return l.loaded.Load() }

// Catalog returns the loaded catalog, or nil before a successful Initialize.
func (l *Loader) Catalog() Catalog {
	if !l.loaded.Load() {
		return nil
	}
	return l.catalog
}

// Units returns a copy of the loaded units.
func (l *Loader) Units() []Unit {
	return l.Catalog().Units()
}

func (l *Loader) load(ctx context.Context) (Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, &InitializationError{Dir: l.dir, Err: err}
	}
	info, err := os.Stat(l.dir)
	if err != nil {
		return nil, &InitializationError{Dir: l.dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &InitializationError{Dir: l.dir, Err: errors.New("not a directory")}
	}

	dir, err := migrate.NewLocalDir(l.dir)
	if err != nil {
		return nil, &InitializationError{Dir: l.dir, Err: err}
	}

	if l.sumCheck {
		if err := l.validateSum(dir); err != nil {
			return nil, &InitializationError{Dir: l.dir, Err: err}
		}
	}

	files, err := dir.Files()
	if err != nil {
		return nil, &InitializationError{Dir: l.dir, Err: fmt.Errorf("failed to read migration files: %w", err)}
	}

	cat := make(Catalog, 0, len(files))
	for _, f := range files {
		source := string(f.Bytes())
		cat = append(cat, Unit{
			Name:     strings.TrimSuffix(f.Name(), ".sql"),
			Source:   source,
			Checksum: Checksum(source),
			Path:     filepath.Join(l.dir, f.Name()),
		})
	}
	sort.SliceStable(cat, func(i, j int) bool { return cat[i].Name < cat[j].Name })

	if len(cat) == 0 {
		l.logger.Warn("Migration directory has no .sql files", zap.String("dir", l.dir))
	}
	return cat, nil
}

func (l *Loader) validateSum(dir *migrate.LocalDir) error {
	if _, err := os.Stat(filepath.Join(l.dir, migrate.HashFileName)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Debug("No atlas.sum in migration directory, skipping integrity check", zap.String("dir", l.dir))
			return nil
		}
		return err
	}
	if err := migrate.Validate(dir); err != nil {
		return fmt.Errorf("migration directory integrity check failed: %w", err)
	}
	return nil
}
