package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// AnalysisCache persists analyses keyed by a hash of the analyzed images.
// GetAnalysisCache returns nil, nil on a miss.
type AnalysisCache interface {
	GetAnalysisCache(hash string) ([]byte, error)
	SetAnalysisCache(hash string, data []byte) error
}

// CachedAnalyzer wraps an Analyzer with a persistent cache. Concurrent
// requests for the same images share one upstream call.
type CachedAnalyzer struct {
	inner Analyzer
	store AnalysisCache
	group singleflight.Group
}

// NewCachedAnalyzer creates a cached analyzer.
func NewCachedAnalyzer(inner Analyzer, store AnalysisCache) *CachedAnalyzer {
	return &CachedAnalyzer{inner: inner, store: store}
}

// hashImages creates a SHA256 hash from image data.
// Includes length prefix for each image to prevent boundary collisions.
func hashImages(images []Image) string {
	h := sha256.New()
	for _, img := range images {
		// Write length to prevent boundary collisions (e.g. [A,B] vs [AB])
		binary.Write(h, binary.LittleEndian, int64(len(img.Data)))
		h.Write(img.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Analyze implements the Analyzer interface with caching.
func (c *CachedAnalyzer) Analyze(ctx context.Context, images []Image) (*Analysis, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	hash := hashImages(images)

	if cached := c.lookup(hash); cached != nil {
		return cached, nil
	}

	v, err, shared := c.group.Do(hash, func() (any, error) {
		result, err := c.inner.Analyze(ctx, images)
		if err != nil {
			return nil, err
		}
		c.save(hash, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("hash", hash[:16]).Msg("shared in-flight analysis")
	}
	// Callers may modify the result; hand each a copy.
	a := *v.(*Analysis)
	return &a, nil
}

func (c *CachedAnalyzer) lookup(hash string) *Analysis {
	if c.store == nil {
		return nil
	}
	data, err := c.store.GetAnalysisCache(hash)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check analysis cache")
		return nil
	}
	if data == nil {
		return nil
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		log.Warn().Err(err).Str("hash", hash[:16]).Msg("ignoring corrupt analysis cache entry")
		return nil
	}
	log.Debug().Str("hash", hash[:16]).Msg("analysis cache hit")
	return &a
}

func (c *CachedAnalyzer) save(hash string, a *Analysis) {
	if c.store == nil || a == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode analysis for cache")
		return
	}
	if err := c.store.SetAnalysisCache(hash, data); err != nil {
		log.Warn().Err(err).Msg("failed to cache analysis")
		return
	}
	log.Debug().Str("hash", hash[:16]).Msg("cached analysis")
}
