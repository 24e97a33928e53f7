package svc

import (
	"context"

	"github.com/pkg/errors"

	"veilpost/metrics"
	"veilpost/pkg/domain"
	"veilpost/svc/lim"
	"veilpost/svc/util"
)

// UnlockParams mirrors the gate request. Signature is carried but not
// cryptographically verified, and ClaimedPasses expiry is not re-checked
// against a live block height; both are client responsibilities in the
// current trust model and documented as known limitations.
type UnlockParams struct {
	PostID             string
	CreatorAddress     string
	WalletIdentityHash string
	ClaimedPasses      []domain.ClaimedPass
	Timestamp          int64
	Signature          string
}

// UnlockResult deliberately carries nothing beyond the post id and body, so
// the gate cannot be used to enumerate other fields.
type UnlockResult struct {
	PostID string `json:"postId"`
	Body   string `json:"body"`
}

// Unlock evaluates one gate request.
//
// Order matters: rate limiting runs before any other work so a hammering
// client learns nothing about freshness or post existence, then freshness,
// then the pass check. The 429 applies regardless of earlier successes and
// the 403 for staleness applies regardless of pass validity.
func (p *Post) Unlock(ctx context.Context, params UnlockParams, now int64) (*UnlockResult, error) {
	if params.PostID == "" || params.WalletIdentityHash == "" {
		return nil, domain.ErrInvalidRequest
	}

	key, err := p.limitKey(params.WalletIdentityHash)
	if err != nil {
		return nil, err
	}
	rule := lim.Rule{Limit: p.cfg.UnlockRateLimit, Window: p.cfg.UnlockRateWindow}
	if res := p.limiter.Check(ctx, key, "unlock", rule); !res.Allowed {
		metrics.UnlockDenied.WithLabelValues("rate_limited").Inc()
		return nil, domain.ErrRateLimitExceeded
	}

	window := int64(p.cfg.FreshnessWindow.Seconds())
	age := now - params.Timestamp
	if age < 0 {
		age = -age
	}
	if age > window {
		metrics.UnlockDenied.WithLabelValues("stale").Inc()
		return nil, domain.ErrStaleRequest
	}

	post, err := p.Get(ctx, params.PostID)
	if err != nil {
		return nil, err
	}

	if post.MinTier > 0 && !anyCovers(params.ClaimedPasses, params.CreatorAddress, post.MinTier) {
		metrics.UnlockDenied.WithLabelValues("no_pass").Inc()
		util.Info().
			Str("post_id", params.PostID).
			Str("identity", util.RedactIdentityHash(params.WalletIdentityHash)).
			Msg("unlock denied")
		return nil, domain.ErrAccessDenied
	}

	var body string
	if post.MinTier > 0 {
		plain, err := p.sealer.OpenBody(ctx, post.ID, post.Creator, post.SealedBody)
		if err != nil {
			return nil, errors.Wrap(domain.ErrInternalServer, err.Error())
		}
		body = string(plain)
	} else if post.Body != nil {
		body = *post.Body
	}

	metrics.UnlockGranted.Inc()
	return &UnlockResult{PostID: post.ID, Body: body}, nil
}

func anyCovers(passes []domain.ClaimedPass, creator string, minTier uint8) bool {
	for _, pass := range passes {
		if pass.Covers(creator, minTier) {
			return true
		}
	}
	return false
}
