// Package assets stores rendered images so they can be previewed in chat and
// attached to wiki pages later.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when no asset exists under a key.
var ErrNotFound = errors.New("asset not found")

// MaxSize bounds how much ReadAll loads into memory.
const MaxSize = 20 * 1024 * 1024

// Opener is the read side of a Store.
type Opener interface {
	// Open returns the asset bytes. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Store persists asset bytes under slash-separated keys.
type Store interface {
	Opener

	// Put writes data under key and returns the key it can be opened with.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "fs", "s3" or "minio".
	Backend string `yaml:"backend"`

	// Dir is the root directory of the fs backend.
	Dir string `yaml:"dir"`

	// Bucket is the s3/minio bucket.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object key in s3/minio.
	Prefix string `yaml:"prefix"`

	// Region is the AWS region for s3.
	Region string `yaml:"region"`

	// Endpoint, AccessKey, SecretKey and UseSSL configure minio.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "", "fs":
		store, err = NewFS(cfg.Dir)
	case "s3":
		store, err = NewS3(ctx, cfg)
	case "minio":
		store, err = NewMinIO(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown asset backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// ReadAll opens key and reads it fully, up to MaxSize bytes.
func ReadAll(ctx context.Context, o Opener, key string) ([]byte, error) {
	return ReadAllLimit(ctx, o, key, MaxSize)
}

// ReadAllLimit is ReadAll with an explicit size bound.
func ReadAllLimit(ctx context.Context, o Opener, key string, limit int64) ([]byte, error) {
	rc, err := o.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", key, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("asset %s exceeds %d bytes", key, limit)
	}
	return data, nil
}

// cleanKey rejects empty keys and keys escaping the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("asset key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	return cleaned, nil
}

func objectKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
