package svc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilpost/cfg"
	"veilpost/pkg/domain"
	"veilpost/pkg/seal"
	"veilpost/svc/cache"
	"veilpost/svc/db"
	"veilpost/svc/lim"
	"veilpost/svc/util"
)

type fakeRegistry struct {
	registered map[string]bool
	err        error
}

func (f *fakeRegistry) CreatorRegistered(ctx context.Context, address string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.registered[address], nil
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		PostCacheTTL:     time.Minute,
		UnlockRateLimit:  30,
		UnlockRateWindow: 60 * time.Second,
		CreateRateLimit:  5,
		CreateRateWindow: time.Minute,
		DeleteRateLimit:  10,
		DeleteRateWindow: time.Minute,
		FreshnessWindow:  5 * time.Minute,
	}
}

func newTestService(t *testing.T, c *cfg.Cfg, registry Registry) *Post {
	t.Helper()
	t.Setenv("SEAL_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")

	store, err := db.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lru, err := cache.NewLRU(100)
	require.NoError(t, err)

	keyring, err := seal.NewKeyring(context.Background())
	require.NoError(t, err)

	limiter := lim.New(nil)
	t.Cleanup(limiter.Stop)

	hasher, err := util.NewIdentityHasher([]byte(strings.Repeat("p", 32)), time.Hour)
	require.NoError(t, err)
	t.Cleanup(hasher.Stop)

	if c == nil {
		c = testCfg()
	}
	return NewPost(store, lru, seal.NewSealer(keyring, nil), registry, limiter, hasher, c)
}

func TestCreatePublicPost(t *testing.T) {
	p := newTestService(t, nil, nil)

	post, err := p.Create(context.Background(), domain.CreatePostParams{
		Creator: "aleo1creator",
		Title:   "hello",
		Body:    "public text",
	}, "hash1")
	require.NoError(t, err)
	require.NotNil(t, post.Body)
	assert.Equal(t, "public text", *post.Body)
	assert.Empty(t, post.SealedBody)

	got, err := p.Get(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, got.ID)
}

func TestCreateGatedPostSealsBody(t *testing.T) {
	p := newTestService(t, nil, nil)

	post, err := p.Create(context.Background(), domain.CreatePostParams{
		Creator: "aleo1creator",
		Title:   "gated",
		Body:    "members only",
		MinTier: 2,
	}, "hash1")
	require.NoError(t, err)
	assert.Nil(t, post.Body, "gated plaintext must not persist")
	assert.NotEmpty(t, post.SealedBody)
	assert.NotContains(t, string(post.SealedBody), "members only")
}

func TestCreateValidation(t *testing.T) {
	p := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := p.Create(ctx, domain.CreatePostParams{
		Creator: "aleo1c", Title: strings.Repeat("x", domain.MaxTitleLen+1), Body: "b",
	}, "h")
	assert.ErrorIs(t, err, domain.ErrTitleTooLong)

	_, err = p.Create(ctx, domain.CreatePostParams{
		Creator: "aleo1c", Title: "t", Body: strings.Repeat("x", domain.MaxBodyLen+1),
	}, "h")
	assert.ErrorIs(t, err, domain.ErrBodyTooLarge)

	_, err = p.Create(ctx, domain.CreatePostParams{
		Creator: "aleo1c", Title: "t", Body: "b", MinTier: 4,
	}, "h")
	assert.ErrorIs(t, err, domain.ErrInvalidTier)

	_, err = p.Create(ctx, domain.CreatePostParams{Title: "t", Body: "b"}, "h")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCreateChecksRegistry(t *testing.T) {
	reg := &fakeRegistry{registered: map[string]bool{"aleo1known": true}}
	p := newTestService(t, nil, reg)
	ctx := context.Background()

	_, err := p.Create(ctx, domain.CreatePostParams{Creator: "aleo1known", Title: "t", Body: "b"}, "h")
	assert.NoError(t, err)

	_, err = p.Create(ctx, domain.CreatePostParams{Creator: "aleo1stranger", Title: "t", Body: "b"}, "h")
	assert.ErrorIs(t, err, domain.ErrCreatorUnknown)
}

func TestCreateRegistryOutageIsNotFatal(t *testing.T) {
	reg := &fakeRegistry{err: context.DeadlineExceeded}
	p := newTestService(t, nil, reg)

	_, err := p.Create(context.Background(), domain.CreatePostParams{
		Creator: "aleo1c", Title: "t", Body: "b",
	}, "h")
	assert.NoError(t, err, "ledger outage must degrade to unknown, not fail the create")
}

func TestCreateRateLimit(t *testing.T) {
	c := testCfg()
	c.CreateRateLimit = 2
	p := newTestService(t, c, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Create(ctx, domain.CreatePostParams{Creator: "aleo1c", Title: "t", Body: "b"}, "same-identity")
		require.NoError(t, err)
	}
	_, err := p.Create(ctx, domain.CreatePostParams{Creator: "aleo1c", Title: "t", Body: "b"}, "same-identity")
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
}

func TestListRedactsGatedBodies(t *testing.T) {
	p := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := p.Create(ctx, domain.CreatePostParams{Creator: "aleo1c", Title: "public", Body: "open"}, "h")
	require.NoError(t, err)
	_, err = p.Create(ctx, domain.CreatePostParams{Creator: "aleo1c", Title: "gated", Body: "secret", MinTier: 1}, "h")
	require.NoError(t, err)

	posts, err := p.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, post := range posts {
		assert.Nil(t, post.SealedBody, "sealed bytes must never leave the server")
		if post.MinTier > 0 {
			assert.Nil(t, post.Body, "gated body must be null in listings")
		} else {
			require.NotNil(t, post.Body)
			assert.Equal(t, "open", *post.Body)
		}
	}
}

func TestDeleteRequiresCreator(t *testing.T) {
	p := newTestService(t, nil, nil)
	ctx := context.Background()

	post, err := p.Create(ctx, domain.CreatePostParams{Creator: "aleo1owner", Title: "t", Body: "b"}, "h")
	require.NoError(t, err)

	err = p.Delete(ctx, post.ID, "aleo1impostor", "h2")
	assert.ErrorIs(t, err, domain.ErrNotCreator)

	err = p.Delete(ctx, post.ID, "aleo1owner", "h")
	require.NoError(t, err)

	_, err = p.Get(ctx, post.ID)
	assert.ErrorIs(t, err, domain.ErrPostNotFound)
}

func TestSanitizeStripsControlChars(t *testing.T) {
	p := newTestService(t, nil, nil)

	post, err := p.Create(context.Background(), domain.CreatePostParams{
		Creator: "aleo1c",
		Title:   "ti\x00tle",
		Body:    "line1\nline2\x07",
	}, "h")
	require.NoError(t, err)
	assert.Equal(t, "title", post.Title)
	require.NotNil(t, post.Body)
	assert.Equal(t, "line1\nline2", *post.Body)
}
