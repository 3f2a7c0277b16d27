// Package admission authenticates API keys and decides whether a project may
// start another session. Key lookups are cached by hash with a short TTL so
// the hot path stays off DynamoDB; revocation takes effect within the TTL.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

const (
	cacheSize = 1024
	cacheTTL  = 5 * time.Minute

	// maxMetadataBytes caps the serialized size of user metadata.
	maxMetadataBytes = 4096
)

// HashKey hashes a raw API key the way credential records are stored: only
// the SHA-256 of a key ever reaches the table or the cache.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyStore is the credential lookup the resolver needs.
type KeyStore interface {
	GetAPIKey(ctx context.Context, keyHash string) (*session.APIKey, error)
}

// Resolution is the authenticated identity of a request.
type Resolution struct {
	APIKeyID   string
	ProjectID  string
	ProjectIDs []string
}

// Allows reports whether the key may act on the project.
func (r *Resolution) Allows(projectID string) bool {
	for _, id := range r.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// Resolver authenticates raw API keys against the credential table.
type Resolver struct {
	store KeyStore
	cache *lru.LRU[string, Resolution]
	log   *logrus.Entry
}

// NewResolver builds a resolver with the standard cache bounds.
func NewResolver(store KeyStore, log *logrus.Entry) *Resolver {
	return &Resolver{
		store: store,
		cache: lru.NewLRU[string, Resolution](cacheSize, nil, cacheTTL),
		log:   log,
	}
}

// Resolve authenticates a raw key. Unknown and disabled keys are both
// reported as unauthorized; only successful resolutions are cached so a
// revoked key cannot be resurrected by a stale negative entry.
func (r *Resolver) Resolve(ctx context.Context, rawKey string) (*Resolution, error) {
	if rawKey == "" {
		return nil, errdefs.Unauthorized("missing api key")
	}

	hash := HashKey(rawKey)
	if res, ok := r.cache.Get(hash); ok {
		return &res, nil
	}

	key, err := r.store.GetAPIKey(ctx, hash)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Unauthorized("unknown api key")
		}
		return nil, err
	}
	if !key.Active() {
		return nil, errdefs.Unauthorized("api key disabled")
	}

	res := Resolution{
		APIKeyID:   key.APIKeyID,
		ProjectID:  key.ProjectID,
		ProjectIDs: dedupe(append([]string{key.ProjectID}, key.AdditionalProjectIDs...)),
	}
	r.cache.Add(hash, res)
	return &res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GuardStore is the project state the admission guard reads.
type GuardStore interface {
	GetProject(ctx context.Context, projectID string) (*session.Project, error)
	CountActiveByProject(ctx context.Context, projectID string) (int, error)
}

// Guard admits or rejects session creation for a project.
type Guard struct {
	store GuardStore
	log   *logrus.Entry
}

// NewGuard builds an admission guard.
func NewGuard(store GuardStore, log *logrus.Entry) *Guard {
	return &Guard{store: store, log: log}
}

// Admit verifies the project exists, is active and has concurrency headroom.
// Counting and creation are not atomic; a burst can land slightly over the
// limit, which the product treats as acceptable.
func (g *Guard) Admit(ctx context.Context, projectID string) (*session.Project, error) {
	proj, err := g.store.GetProject(ctx, projectID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Forbidden("unknown project")
		}
		return nil, err
	}
	if !proj.Active() {
		return nil, errdefs.Forbidden("project is not active")
	}

	if proj.Concurrency > 0 {
		n, err := g.store.CountActiveByProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if n >= proj.Concurrency {
			return nil, &errdefs.ConcurrencyExceededError{ProjectID: projectID, Limit: proj.Concurrency}
		}
	}
	return proj, nil
}

// NormalizeTimeout resolves the effective session timeout in seconds. Zero
// means the default; values above the cap are clamped down to it. Project
// overrides take precedence over the deployment settings.
func NormalizeTimeout(requested int, proj *session.Project, defaultSeconds, maxSeconds int) (int, error) {
	def := defaultSeconds
	if proj != nil && proj.DefaultTimeoutSeconds > 0 {
		def = proj.DefaultTimeoutSeconds
	}
	max := maxSeconds
	if proj != nil && proj.MaxTimeoutSeconds > 0 {
		max = proj.MaxTimeoutSeconds
	}

	switch {
	case requested < 0:
		return 0, errdefs.Validation("timeout", "must be positive")
	case requested == 0:
		return def, nil
	case requested > max:
		return max, nil
	default:
		return requested, nil
	}
}

// ValidateMetadata bounds the user metadata attached to a session.
func ValidateMetadata(md map[string]string) error {
	if len(md) == 0 {
		return nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return errdefs.Validation("userMetadata", "not serializable")
	}
	if len(raw) > maxMetadataBytes {
		return errdefs.Validation("userMetadata", "exceeds 4096 bytes")
	}
	return nil
}
