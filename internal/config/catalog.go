package config

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/possync/backend/internal/errors"
	"github.com/kimhsiao/possync/backend/internal/remote"
	"github.com/kimhsiao/possync/backend/internal/sync/snapshot"
)

// Catalog lists the reference tables mirrored into the local snapshot.
//
//	batch_size: 500
//	tables:
//	  - products
//	  - customers
//	keys:
//	  products: [id]
//
// Keys name the columns that order a table's pages. Tables without keys
// are ordered by all of their columns.
type Catalog struct {
	BatchSize int                 `yaml:"batch_size"`
	Tables    []string            `yaml:"tables"`
	Keys      map[string][]string `yaml:"keys,omitempty"`
}

// DefaultCatalog returns the built-in table list.
func DefaultCatalog() *Catalog {
	return &Catalog{
		BatchSize: snapshot.DefaultBatchSize,
		Tables:    append([]string(nil), snapshot.DefaultTables...),
	}
}

// LoadCatalog reads a catalog file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read catalog", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML. Unknown keys are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to parse catalog", err)
	}
	if c.BatchSize == 0 {
		c.BatchSize = snapshot.DefaultBatchSize
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks table names, order keys and batch size.
func (c *Catalog) Validate() error {
	if c.BatchSize < 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "batch_size must be positive, got %d", c.BatchSize)
	}
	if len(c.Tables) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "catalog lists no tables")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if err := remote.ValidateIdentifier(t); err != nil {
			return err
		}
		if seen[t] {
			return apperrors.Newf(apperrors.ErrInvalid, "table %q listed twice", t)
		}
		seen[t] = true
	}
	for table, cols := range c.Keys {
		if !seen[table] {
			return apperrors.Newf(apperrors.ErrInvalid, "keys given for unlisted table %q", table)
		}
		if len(cols) == 0 {
			return apperrors.Newf(apperrors.ErrInvalid, "keys for %q must not be empty", table)
		}
		for _, col := range cols {
			if err := remote.ValidateIdentifier(col); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyKeys sets the configured order keys on rs.
func (c *Catalog) ApplyKeys(rs *remote.SQLStore) error {
	for table, cols := range c.Keys {
		if err := rs.SetOrderKeys(table, cols...); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotConfig converts the catalog into downloader options.
func (c *Catalog) SnapshotConfig() snapshot.Config {
	return snapshot.Config{
		Tables:    append([]string(nil), c.Tables...),
		BatchSize: c.BatchSize,
	}
}
