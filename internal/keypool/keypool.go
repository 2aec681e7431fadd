// Package keypool holds key inventories outside the relational store.
// The file strategy keeps one plain-text file per product with one key
// per line; the first line is the next key handed out and returned keys
// are prepended, so consumption order follows the file order.
package keypool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/keymint/keymint/pkg/engine"
)

const (
	errorOperationPool = "keypool"
	errorSubjectFile   = "file"
	errorCodeRead      = "read"
	errorCodeWrite     = "write"
	errorCodeTake      = "take"
	errorCodeDuplicate = "duplicate"

	poolFileSuffix = ".keys"
	poolFileMode   = 0o600
)

// Pool is the key inventory contract shared by the store-backed tables
// and the file strategy.
type Pool interface {
	Take(ctx context.Context, productID engine.ProductID) (engine.Key, error)
	Return(ctx context.Context, productID engine.ProductID, key engine.Key) error
	Add(ctx context.Context, productID engine.ProductID, key engine.Key) error
	Count(ctx context.Context, productID engine.ProductID) (int64, error)
}

// FilePool keeps one key file per product under a base directory. Every
// mutation rewrites the file through a temp file and an atomic rename,
// so a crash never leaves a half-written pool. A missing file is an
// empty pool.
type FilePool struct {
	baseDir string
	mutex   sync.Mutex
}

// NewFilePool creates the base directory if needed.
func NewFilePool(baseDir string) (*FilePool, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("%w: empty key pool directory", engine.ErrInvalidServiceConfig)
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, wrapPoolError(errorCodeWrite, err)
	}
	return &FilePool{baseDir: baseDir}, nil
}

// Take removes and returns the first key in the product's file.
func (pool *FilePool) Take(ctx context.Context, productID engine.ProductID) (engine.Key, error) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	keys, err := pool.readKeys(productID)
	if err != nil {
		return engine.Key{}, err
	}
	if len(keys) == 0 {
		return engine.Key{}, wrapPoolError(errorCodeTake, engine.ErrOutOfStock)
	}
	key, err := engine.NewKey(keys[0])
	if err != nil {
		return engine.Key{}, wrapPoolError(errorCodeRead, err)
	}
	if err := pool.writeKeys(productID, keys[1:]); err != nil {
		return engine.Key{}, err
	}
	return key, nil
}

// Return prepends the key so a returned key is handed out next. Keys
// already present are left alone, making Return safe to retry.
func (pool *FilePool) Return(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	keys, err := pool.readKeys(productID)
	if err != nil {
		return err
	}
	for _, existing := range keys {
		if existing == key.String() {
			return nil
		}
	}
	return pool.writeKeys(productID, append([]string{key.String()}, keys...))
}

// Add appends the key to the end of the product's file.
func (pool *FilePool) Add(ctx context.Context, productID engine.ProductID, key engine.Key) error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	keys, err := pool.readKeys(productID)
	if err != nil {
		return err
	}
	for _, existing := range keys {
		if existing == key.String() {
			return wrapPoolError(errorCodeDuplicate, engine.ErrKeyExists)
		}
	}
	return pool.writeKeys(productID, append(keys, key.String()))
}

// Count reports how many keys remain for the product.
func (pool *FilePool) Count(ctx context.Context, productID engine.ProductID) (int64, error) {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	keys, err := pool.readKeys(productID)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (pool *FilePool) filePath(productID engine.ProductID) string {
	return filepath.Join(pool.baseDir, productID.String()+poolFileSuffix)
}

func (pool *FilePool) readKeys(productID engine.ProductID) ([]string, error) {
	raw, err := os.ReadFile(pool.filePath(productID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPoolError(errorCodeRead, err)
	}
	lines := strings.Split(string(raw), "\n")
	keys := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		keys = append(keys, trimmed)
	}
	return keys, nil
}

func (pool *FilePool) writeKeys(productID engine.ProductID, keys []string) error {
	target := pool.filePath(productID)
	temp, err := os.CreateTemp(pool.baseDir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return wrapPoolError(errorCodeWrite, err)
	}
	tempName := temp.Name()
	content := ""
	if len(keys) > 0 {
		content = strings.Join(keys, "\n") + "\n"
	}
	if _, err := temp.WriteString(content); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempName)
		return wrapPoolError(errorCodeWrite, err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempName)
		return wrapPoolError(errorCodeWrite, err)
	}
	if err := os.Chmod(tempName, poolFileMode); err != nil {
		_ = os.Remove(tempName)
		return wrapPoolError(errorCodeWrite, err)
	}
	if err := os.Rename(tempName, target); err != nil {
		_ = os.Remove(tempName)
		return wrapPoolError(errorCodeWrite, err)
	}
	return nil
}

func wrapPoolError(code string, err error) error {
	return engine.WrapError(errorOperationPool, errorSubjectFile, code, err)
}
