package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// BlobStore keeps document bytes. DiskBlobs and the hosted storage bucket
// implement it.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Delete(ctx context.Context, key string) error
}

// DiskBlobs stores documents under Dir.
type DiskBlobs struct {
	Dir string
}

func (d DiskBlobs) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid document key %q", key)
	}
	return filepath.Join(d.Dir, filepath.FromSlash(clean)), nil
}

func (d DiskBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (d DiskBlobs) Get(_ context.Context, key string) ([]byte, string, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("document %s: %w", key, os.ErrNotExist)
	}
	return data, "", err
}

func (d DiskBlobs) Delete(_ context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Document is the metadata row for an uploaded image or file.
type Document struct {
	ID          int64  `db:"id" json:"id"`
	Prefix      string `db:"prefix" json:"prefix"`
	TargetType  string `db:"target_type" json:"targetType"`
	TargetID    int64  `db:"target_id" json:"targetId"`
	Filename    string `db:"filename" json:"filename"`
	ContentType string `db:"content_type" json:"contentType"`
	Size        int64  `db:"size" json:"size"`
	StorageKey  string `db:"storage_key" json:"-"`
	UploadedBy  string `db:"uploaded_by" json:"uploadedBy"`
	UploadedAt  int64  `db:"uploaded_at" json:"uploadedAt"`
}

const documentColumns = "id, prefix, target_type, target_id, filename, content_type, size, storage_key, uploaded_by, uploaded_at"

// SaveDocument writes data to blobs and records its metadata. The blob is
// removed again when the row cannot be written.
func (db *Database) SaveDocument(ctx context.Context, blobs BlobStore, doc Document, data []byte) (Document, error) {
	doc.Filename = filepath.Base(strings.TrimSpace(doc.Filename))
	if doc.Filename == "" || doc.Filename == "." || doc.Filename == "/" {
		return Document{}, errors.New("filename is required")
	}
	doc.Size = int64(len(data))
	doc.UploadedAt = nowUnix()
	doc.StorageKey = fmt.Sprintf("%s/%s/%d/%s%s", doc.Prefix, doc.TargetType, doc.TargetID, uuid.NewString(), strings.ToLower(filepath.Ext(doc.Filename)))

	if err := blobs.Put(ctx, doc.StorageKey, data, doc.ContentType); err != nil {
		return Document{}, fmt.Errorf("store document: %w", err)
	}
	err := db.run(ctx, "save document", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &doc.ID, db.q(`INSERT INTO documents
(prefix, target_type, target_id, filename, content_type, size, storage_key, uploaded_by, uploaded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			doc.Prefix, doc.TargetType, doc.TargetID, doc.Filename, doc.ContentType, doc.Size, doc.StorageKey, doc.UploadedBy, doc.UploadedAt)
	})
	if err != nil {
		if delErr := blobs.Delete(ctx, doc.StorageKey); delErr != nil {
			db.logf("remove orphaned document %s: %v", doc.StorageKey, delErr)
		}
		return Document{}, fmt.Errorf("record document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents attached to one row, newest first.
func (db *Database) ListDocuments(ctx context.Context, prefix, targetType string, targetID int64) ([]Document, error) {
	var docs []Document
	err := db.run(ctx, "list documents", func(ctx context.Context) error {
		docs = docs[:0]
		return db.DB.SelectContext(ctx, &docs, db.q(`SELECT `+documentColumns+` FROM documents
WHERE prefix = ? AND target_type = ? AND target_id = ? ORDER BY uploaded_at DESC, id DESC`), prefix, targetType, targetID)
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns metadata only.
func (db *Database) GetDocument(ctx context.Context, id int64) (Document, error) {
	var doc Document
	err := db.run(ctx, "get document", func(ctx context.Context) error {
		return db.DB.GetContext(ctx, &doc, db.q(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	})
	if err != nil {
		return Document{}, notFound(err)
	}
	return doc, nil
}

// OpenDocument returns metadata and bytes.
func (db *Database) OpenDocument(ctx context.Context, blobs BlobStore, id int64) (Document, []byte, error) {
	doc, err := db.GetDocument(ctx, id)
	if err != nil {
		return Document{}, nil, err
	}
	data, ct, err := blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return Document{}, nil, fmt.Errorf("read document %d: %w", id, err)
	}
	if doc.ContentType == "" {
		doc.ContentType = ct
	}
	return doc, data, nil
}

// DeleteDocument removes metadata and bytes.
func (db *Database) DeleteDocument(ctx context.Context, blobs BlobStore, id int64) error {
	doc, err := db.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	err = db.run(ctx, "delete document", func(ctx context.Context) error {
		res, err := db.DB.ExecContext(ctx, db.q(`DELETE FROM documents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return mustAffect(res)
	})
	if err != nil {
		return err
	}
	if err := blobs.Delete(ctx, doc.StorageKey); err != nil {
		db.logf("delete document blob %s: %v", doc.StorageKey, err)
	}
	return nil
}
