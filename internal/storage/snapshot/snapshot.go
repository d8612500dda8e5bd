// Package snapshot persists the index as two JSON documents over any
// storage.BlobStore: index.json (issuer records keyed by CIK) and meta.json
// (completed quarter keys).
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/edgar-index/internal/index"
	"github.com/JakeFAU/edgar-index/internal/storage"
)

// Default object names.
const (
	DefaultIndexPath = "index.json"
	DefaultMetaPath  = "meta.json"
)

const contentType = "application/json"

// Config names the two objects.
type Config struct {
	IndexPath string
	MetaPath  string
}

// Store implements crawler.Checkpointer on top of a BlobStore.
type Store struct {
	blobs     storage.BlobStore
	indexPath string
	metaPath  string
}

// New builds a Store.
func New(blobs storage.BlobStore, cfg Config) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = DefaultIndexPath
	}
	if cfg.MetaPath == "" {
		cfg.MetaPath = DefaultMetaPath
	}
	return &Store{blobs: blobs, indexPath: cfg.IndexPath, metaPath: cfg.MetaPath}, nil
}

// Load reads both documents. Missing documents yield empty structures.
func (s *Store) Load(ctx context.Context) (index.Snapshot, error) {
	snap := index.NewSnapshot()
	if err := s.read(ctx, s.indexPath, &snap.Issuers); err != nil {
		return index.Snapshot{}, err
	}
	if err := s.read(ctx, s.metaPath, &snap.Completed); err != nil {
		return index.Snapshot{}, err
	}
	if snap.Issuers == nil {
		snap.Issuers = make(map[string]index.Record)
	}
	if snap.Completed == nil {
		snap.Completed = make(map[string]bool)
	}
	return snap, nil
}

// Save writes index.json before meta.json, so a quarter is never recorded as
// complete unless its filings are already persisted.
func (s *Store) Save(ctx context.Context, snap index.Snapshot) error {
	data, err := EncodeIndex(snap)
	if err != nil {
		return err
	}
	if _, err := s.blobs.PutObject(ctx, s.indexPath, contentType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.indexPath, err)
	}
	meta, err := EncodeMeta(snap)
	if err != nil {
		return err
	}
	if _, err := s.blobs.PutObject(ctx, s.metaPath, contentType, bytes.NewReader(meta)); err != nil {
		return fmt.Errorf("write %s: %w", s.metaPath, err)
	}
	return nil
}

// EncodeIndex renders the issuer map as 4-space indented JSON. A record
// without a ticker is written with "ticker": null.
func EncodeIndex(snap index.Snapshot) ([]byte, error) {
	issuers := make(map[string]index.Record, len(snap.Issuers))
	for cik, rec := range snap.Issuers {
		if rec.Forms == nil {
			rec.Forms = index.Forms{}
		}
		issuers[cik] = rec
	}
	return encode(issuers, "index")
}

// EncodeMeta renders the completion set as 4-space indented JSON.
func EncodeMeta(snap index.Snapshot) ([]byte, error) {
	completed := make(map[string]bool, len(snap.Completed))
	for k, done := range snap.Completed {
		if done {
			completed[k] = true
		}
	}
	return encode(completed, "meta")
}

func encode(v any, what string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode %s: %w", what, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) read(ctx context.Context, path string, into any) error {
	data, err := s.blobs.GetObject(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
