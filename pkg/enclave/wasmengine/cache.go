package wasmengine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	olriclib "github.com/olric-data/olric"
	"go.uber.org/zap"
)

// ProgramCache stores raw program images keyed by their SHA-256 digest, so
// a second session loading the "same" program by digest can fetch the
// bytes without the caller resending them. Compiled wazero modules
// themselves stay process-local — they are not portable across processes
// — only the raw image is shared.
type ProgramCache interface {
	Get(ctx context.Context, digest [32]byte) ([]byte, bool, error)
	Put(ctx context.Context, digest [32]byte, programImage []byte) error
}

// localProgramCache is the process-local fallback: a plain mutex-guarded
// map, mirroring DeBrosOfficial's Engine.moduleCache.
type localProgramCache struct {
	mu    sync.RWMutex
	bytes map[[32]byte][]byte
}

// NewLocalProgramCache returns a process-local ProgramCache.
func NewLocalProgramCache() ProgramCache {
	return &localProgramCache{bytes: make(map[[32]byte][]byte)}
}

func (c *localProgramCache) Get(ctx context.Context, digest [32]byte) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.bytes[digest]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (c *localProgramCache) Put(ctx context.Context, digest [32]byte, programImage []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes[digest] = append([]byte(nil), programImage...)
	return nil
}

// OlricProgramCache is a distributed ProgramCache backed by an Olric
// cluster's DMap, for deployments that run more than one enclaved process
// sharing program images.
type OlricProgramCache struct {
	dmap   olriclib.DMap
	logger *zap.Logger
}

// NewOlricProgramCache creates the backing DMap on client and returns a
// ProgramCache over it.
func NewOlricProgramCache(client olriclib.Client, dmapName string, logger *zap.Logger) (*OlricProgramCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dmap, err := client.NewDMap(dmapName)
	if err != nil {
		return nil, fmt.Errorf("create olric dmap %q: %w", dmapName, err)
	}
	return &OlricProgramCache{dmap: dmap, logger: logger}, nil
}

func (c *OlricProgramCache) Get(ctx context.Context, digest [32]byte) ([]byte, bool, error) {
	resp, err := c.dmap.Get(ctx, keyFor(digest))
	if err != nil {
		if errors.Is(err, olriclib.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("olric get: %w", err)
	}
	var data []byte
	if err := resp.Scan(&data); err != nil {
		return nil, false, fmt.Errorf("decode olric value: %w", err)
	}
	return data, true, nil
}

func (c *OlricProgramCache) Put(ctx context.Context, digest [32]byte, programImage []byte) error {
	if err := c.dmap.Put(ctx, keyFor(digest), programImage); err != nil {
		return fmt.Errorf("olric put: %w", err)
	}
	return nil
}

func keyFor(digest [32]byte) string {
	return hex.EncodeToString(digest[:])
}
