package sigcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/store"
)

func validSig(tag string) string {
	return tag + strings.Repeat("x", 64)
}

func testCaches(st store.Store, size int) *Caches {
	return New(&config.Config{
		SignatureCacheSize:  size,
		SignatureTTLMemory:  10 * time.Minute,
		SignatureTTLPersist: 24 * time.Hour,
	}, st, nil)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := testCaches(store.NewMemory(), 100)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "key1", validSig("a"))
	got, ok := c.Get(ctx, KindAssistant, "key1")
	require.True(t, ok)
	assert.Equal(t, validSig("a"), got)
}

func TestShortSignaturesAreDropped(t *testing.T) {
	c := testCaches(store.NewMemory(), 100)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "key1", "too-short")
	_, ok := c.Get(ctx, KindAssistant, "key1")
	assert.False(t, ok)
}

func TestEvictionRemovesOldestInsertion(t *testing.T) {
	c := testCaches(store.NewMemory(), 2)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "first", validSig("1"))
	c.Put(ctx, KindAssistant, "second", validSig("2"))
	c.Put(ctx, KindAssistant, "third", validSig("3"))

	_, ok := c.Get(ctx, KindAssistant, "first")
	assert.False(t, ok)
	_, ok = c.Get(ctx, KindAssistant, "second")
	assert.True(t, ok)
	_, ok = c.Get(ctx, KindAssistant, "third")
	assert.True(t, ok)
}

func TestOverwriteDoesNotGrowOrder(t *testing.T) {
	c := testCaches(store.NewMemory(), 2)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "key", validSig("1"))
	c.Put(ctx, KindAssistant, "key", validSig("2"))
	c.Put(ctx, KindAssistant, "other", validSig("3"))

	got, ok := c.Get(ctx, KindAssistant, "key")
	require.True(t, ok)
	assert.Equal(t, validSig("2"), got)
	_, ok = c.Get(ctx, KindAssistant, "other")
	assert.True(t, ok)
}

func TestDurableKindSurvivesMemoryLoss(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	writer := testCaches(st, 100)
	writer.Put(ctx, KindPerToolUse, "toolu_123", validSig("d"))

	// A fresh process with the same store recovers the signature.
	reader := testCaches(st, 100)
	got, ok := reader.Get(ctx, KindPerToolUse, "toolu_123")
	require.True(t, ok)
	assert.Equal(t, validSig("d"), got)
}

func TestMemoryOnlyKindDoesNotPersist(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	writer := testCaches(st, 100)
	writer.Put(ctx, KindOpenAITool, "call_1", validSig("m"))

	reader := testCaches(st, 100)
	_, ok := reader.Get(ctx, KindOpenAITool, "call_1")
	assert.False(t, ok)
}

func TestKindsAreIsolated(t *testing.T) {
	c := testCaches(store.NewMemory(), 100)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "shared-key", validSig("a"))
	_, ok := c.Get(ctx, KindToolThinking, "shared-key")
	assert.False(t, ok)
}

func TestEmptyKeyIgnored(t *testing.T) {
	c := testCaches(store.NewMemory(), 100)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "", validSig("a"))
	_, ok := c.Get(ctx, KindAssistant, "")
	assert.False(t, ok)
}

func TestSizesReportsPerKindCounts(t *testing.T) {
	c := testCaches(store.NewMemory(), 100)
	ctx := context.Background()

	c.Put(ctx, KindAssistant, "k1", validSig("a"))
	c.Put(ctx, KindAssistant, "k2", validSig("b"))
	c.Put(ctx, KindLastPerUser, "user", validSig("c"))

	sizes := c.Sizes()
	assert.Equal(t, 2, sizes[KindAssistant])
	assert.Equal(t, 1, sizes[KindLastPerUser])
	assert.Equal(t, 0, sizes[KindOpenAITool])
}
