package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Bucket addresses one storage bucket.
type Bucket struct {
	client *Client
	name   string
}

// Storage returns a handle to bucket.
func (c *Client) Storage(bucket string) *Bucket {
	return &Bucket{client: c, name: bucket}
}

func (b *Bucket) objectPath(path string) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/storage/v1/object/" + url.PathEscape(b.name) + "/" + strings.Join(segs, "/")
}

// Upload stores data at path, replacing any existing object.
func (b *Bucket) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.send(ctx, request{
		name:        "storage upload",
		method:      http.MethodPost,
		path:        b.objectPath(path),
		body:        data,
		contentType: contentType,
		headers:     map[string]string{"x-upsert": "true"},
	})
	return err
}

// Download fetches the object bytes and content type.
func (b *Bucket) Download(ctx context.Context, path string) ([]byte, string, error) {
	resp, err := b.client.send(ctx, request{
		name:   "storage download",
		method: http.MethodGet,
		path:   b.objectPath(path),
	})
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Headers.Get("Content-Type"), nil
}

// Remove deletes objects by path.
func (b *Bucket) Remove(ctx context.Context, paths ...string) error {
	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return err
	}
	_, err = b.client.send(ctx, request{
		name:        "storage remove",
		method:      http.MethodDelete,
		path:        "/storage/v1/object/" + url.PathEscape(b.name),
		body:        body,
		contentType: "application/json",
	})
	return err
}

// Put, Get and Delete let a bucket back document storage.

func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return b.Upload(ctx, key, data, contentType)
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, string, error) {
	return b.Download(ctx, key)
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.Remove(ctx, key)
}
