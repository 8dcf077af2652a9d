// Package cache is the content-addressed store behind the pipeline's
// memoization: raw generations, embeddings and judge verdicts keyed by
// deterministic hashes of their inputs. Values are msgpack-encoded and
// scoped by a namespace per concern. Two backing stores exist, a
// sqlite file under the scratch directory and an in-memory map.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/longregen/rubric/internal/ports"
)

// Namespaces, one per memoized concern. The external-service caller
// keeps its own namespace next to its keying scheme.
const (
	NamespaceGeneration = "gen"
	NamespaceEmbeddings = "emb"
	NamespaceJudge      = "judge"
)

// Key content-addresses a structured payload as the sha256 of its
// canonical JSON form. encoding/json sorts map keys, so equal payloads
// hash equally regardless of construction order.
func Key(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Put msgpack-encodes v and stores it under namespace/key.
func Put(ctx context.Context, store ports.CacheStore, namespace, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	return store.Set(ctx, namespace, key, data)
}

// GetInto loads namespace/key and msgpack-decodes it into out. A miss
// returns (false, nil).
func GetInto(ctx context.Context, store ports.CacheStore, namespace, key string, out any) (bool, error) {
	data, ok, err := store.Get(ctx, namespace, key)
	if err != nil || !ok {
		return false, err
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("cache decode: %w", err)
	}
	return true, nil
}
