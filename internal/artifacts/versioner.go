package artifacts

import (
	"context"
	"errors"

	"github.com/coocood/freecache"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/svcerr"
)

const (
	opVersionerNew  = "artifacts.versioner.new"
	opCurrent       = "artifacts.current"
	logMessage      = "artifacts service error"
	missingMarker   = "-"
	defaultCacheTTL = 30
	minCacheBytes   = 512 * 1024
)

var errMissingSource = errors.New("content source is required")

// VersionerConfig describes the dependencies of a Versioner.
type VersionerConfig struct {
	Source ContentSource
	Logger *zap.Logger
	// CacheSizeMB sizes the fingerprint cache; zero disables caching.
	CacheSizeMB int
	// CacheTTLSeconds bounds how long a fingerprint is trusted without an invalidation.
	CacheTTLSeconds int
}

// Versioner computes artifact fingerprints through the content source, caching tokens so
// that a heartbeat does not re-hash unchanged artifacts.
type Versioner struct {
	source   ContentSource
	logger   *zap.Logger
	cache    *freecache.Cache
	cacheTTL int
}

// NewVersioner constructs a Versioner.
func NewVersioner(cfg VersionerConfig) (*Versioner, error) {
	if cfg.Source == nil {
		return nil, svcerr.New(opVersionerNew, "missing_source", errMissingSource)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	versioner := &Versioner{
		source: cfg.Source,
		logger: logger,
	}
	if cfg.CacheSizeMB > 0 {
		sizeBytes := max(cfg.CacheSizeMB*1024*1024, minCacheBytes)
		versioner.cache = freecache.NewCache(sizeBytes)
		versioner.cacheTTL = cfg.CacheTTLSeconds
		if versioner.cacheTTL <= 0 {
			versioner.cacheTTL = defaultCacheTTL
		}
	}
	return versioner, nil
}

// Current returns the authoritative versions of every artifact of the item.
func (v *Versioner) Current(ctx context.Context, itemID ids.ItemID) (Versions, error) {
	versions := Versions{}
	for _, kind := range Kinds() {
		token, err := v.version(ctx, itemID, kind)
		if err != nil {
			return Versions{}, svcerr.Fail(v.logger, logMessage, opCurrent, "content_lookup_failed", err,
				zap.String("item_id", itemID.String()),
				zap.String("artifact", string(kind)))
		}
		versions = versions.Set(kind, token)
	}
	return versions, nil
}

// Invalidate drops the cached fingerprint of one artifact. Unknown kinds are ignored.
func (v *Versioner) Invalidate(itemID ids.ItemID, artifact string) {
	if v == nil || v.cache == nil {
		return
	}
	kind, err := ParseKind(artifact)
	if err != nil {
		return
	}
	v.cache.Del(cacheKey(itemID, kind))
}

func (v *Versioner) version(ctx context.Context, itemID ids.ItemID, kind Kind) (fingerprint.Token, error) {
	key := cacheKey(itemID, kind)
	if v.cache != nil {
		if cached, err := v.cache.Get(key); err == nil {
			if string(cached) == missingMarker {
				return "", nil
			}
			return fingerprint.Token(cached), nil
		}
	}

	content, found, err := v.source.ArtifactContent(ctx, itemID, kind)
	if err != nil {
		return "", err
	}
	token := fingerprint.Token("")
	if found {
		token = fingerprint.Of(content)
	}

	if v.cache != nil {
		value := []byte(token.String())
		if token.IsZero() {
			value = []byte(missingMarker)
		}
		_ = v.cache.Set(key, value, v.cacheTTL)
	}
	return token, nil
}

func cacheKey(itemID ids.ItemID, kind Kind) []byte {
	return []byte(itemID.String() + "|" + string(kind))
}
