// Package svc holds the application services behind the HTTP surface: post
// CRUD with sealed gated bodies, and the unlock gate.
package svc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"veilpost/cfg"
	"veilpost/metrics"
	"veilpost/pkg/domain"
	"veilpost/pkg/seal"
	"veilpost/svc/cache"
	"veilpost/svc/db"
	"veilpost/svc/lim"
	"veilpost/svc/util"
)

// Registry answers whether a creator address exists on chain. *chain.Client
// satisfies it.
type Registry interface {
	CreatorRegistered(ctx context.Context, address string) (bool, error)
}

type Post struct {
	db       *db.SQLite
	lru      *cache.LRU
	sealer   *seal.Sealer
	registry Registry
	limiter  *lim.Limiter
	hasher   *util.IdentityHasher
	cfg      *cfg.Cfg
}

func NewPost(sqlDB *db.SQLite, lru *cache.LRU, sealer *seal.Sealer, registry Registry, limiter *lim.Limiter, hasher *util.IdentityHasher, c *cfg.Cfg) *Post {
	if sqlDB == nil || lru == nil || sealer == nil || limiter == nil || hasher == nil || c == nil {
		panic("post service: nil dependency")
	}
	return &Post{
		db:       sqlDB,
		lru:      lru,
		sealer:   sealer,
		registry: registry,
		limiter:  limiter,
		hasher:   hasher,
		cfg:      c,
	}
}

// limitKey re-keys the caller-supplied identity hash under the rotating epoch
// key before it touches a counter.
func (p *Post) limitKey(identityHash string) (string, error) {
	key, err := p.hasher.Key(identityHash)
	if err != nil {
		return "", errors.Wrap(domain.ErrInternalServer, err.Error())
	}
	return key, nil
}

// Create stores a new post. Gated bodies (MinTier > 0) are sealed before they
// touch the store; the plaintext never persists.
func (p *Post) Create(ctx context.Context, params domain.CreatePostParams, identityHash string) (*domain.ContentPost, error) {
	key, err := p.limitKey(identityHash)
	if err != nil {
		return nil, err
	}
	rule := lim.Rule{Limit: p.cfg.CreateRateLimit, Window: p.cfg.CreateRateWindow}
	if res := p.limiter.Check(ctx, key, "create", rule); !res.Allowed {
		return nil, domain.ErrRateLimitExceeded
	}

	title := util.SanitizeText(params.Title)
	body := util.SanitizeText(params.Body)
	if len(title) > domain.MaxTitleLen {
		return nil, domain.ErrTitleTooLong
	}
	if len(body) > domain.MaxBodyLen {
		return nil, domain.ErrBodyTooLarge
	}
	if title == "" || params.Creator == "" {
		return nil, domain.ErrInvalidRequest
	}
	if params.MinTier > domain.MaxTierValue {
		return nil, domain.ErrInvalidTier
	}

	if p.registry != nil {
		registered, err := p.registry.CreatorRegistered(ctx, params.Creator)
		if err != nil {
			// ledger unavailability reads as unknown, not as a hard failure
			util.Warn().Err(err).Msg("creator registry unavailable, skipping check")
		} else if !registered {
			return nil, domain.ErrCreatorUnknown
		}
	}

	id, err := util.GenID(func(id string) (bool, error) {
		_, err := p.db.GetPost(ctx, id)
		if errors.Cause(err) == domain.ErrPostNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}

	post := &domain.ContentPost{
		ID:        id,
		Creator:   params.Creator,
		Title:     title,
		MinTier:   params.MinTier,
		ContentID: params.ContentID,
		CreatedAt: time.Now().UTC(),
	}
	if params.MinTier > 0 {
		sealed, err := p.sealer.SealBody(ctx, id, params.Creator, []byte(body))
		if err != nil {
			return nil, errors.Wrap(err, "seal body")
		}
		post.SealedBody = sealed
	} else {
		post.Body = &body
	}

	if err := p.db.CreatePost(ctx, post); err != nil {
		return nil, errors.Wrap(err, "create post")
	}
	p.lru.Set(ctx, post, p.cfg.PostCacheTTL)
	metrics.PostCreated.Inc()
	util.Info().Str("id", id).Uint8("min_tier", post.MinTier).Msg("post created")
	return post, nil
}

// Get returns the stored post, unredacted. Callers that serve unauthorized
// clients must go through Redacted.
func (p *Post) Get(ctx context.Context, id string) (*domain.ContentPost, error) {
	if post := p.lru.Get(ctx, id); post != nil {
		metrics.CacheHits.Inc()
		return post, nil
	}
	metrics.CacheMisses.Inc()
	post, err := p.db.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	p.lru.Set(ctx, post, p.cfg.PostCacheTTL)
	return post, nil
}

// List returns redacted posts, newest first.
func (p *Post) List(ctx context.Context, creator string, limit int) ([]domain.ContentPost, error) {
	posts, err := p.db.ListPosts(ctx, creator, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ContentPost, len(posts))
	for i, post := range posts {
		out[i] = post.Redacted()
	}
	return out, nil
}

// Delete removes a post after verifying the caller claims the creating
// address.
func (p *Post) Delete(ctx context.Context, id, creator, identityHash string) error {
	key, err := p.limitKey(identityHash)
	if err != nil {
		return err
	}
	rule := lim.Rule{Limit: p.cfg.DeleteRateLimit, Window: p.cfg.DeleteRateWindow}
	if res := p.limiter.Check(ctx, key, "delete", rule); !res.Allowed {
		return domain.ErrRateLimitExceeded
	}

	post, err := p.db.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if post.Creator != creator {
		return domain.ErrNotCreator
	}
	if err := p.db.DeletePost(ctx, id); err != nil {
		return err
	}
	p.lru.Delete(id)
	metrics.PostDeleted.Inc()
	util.Info().Str("id", id).Msg("post deleted")
	return nil
}
