package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"veilpost/cfg"
	"veilpost/pkg/domain"
	"veilpost/svc/svc"
	"veilpost/svc/util"
)

const maxRequestSize = 256 * 1024

type Hdl struct {
	posts *svc.Post
	cfg   *cfg.Cfg
}

type CreatePostReq struct {
	Creator            string `json:"creator"`
	Title              string `json:"title"`
	Body               string `json:"body"`
	MinTier            uint8  `json:"minTier"`
	ContentID          string `json:"contentId,omitempty"`
	WalletIdentityHash string `json:"walletIdentityHash"`
}

type UnlockReq struct {
	PostID             string               `json:"postId"`
	CreatorAddress     string               `json:"creatorAddress"`
	WalletIdentityHash string               `json:"walletIdentityHash"`
	ClaimedPasses      []domain.ClaimedPass `json:"claimedPasses"`
	Timestamp          int64                `json:"timestamp"`
	Signature          string               `json:"signature,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return domain.ErrInvalidRequest
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

func (h *Hdl) CreatePost(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req CreatePostReq
	if err := decodeJSON(w, r, &req); err != nil {
		log.Warn().Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	if req.WalletIdentityHash == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	post, err := h.posts.Create(r.Context(), domain.CreatePostParams{
		Creator:   req.Creator,
		Title:     req.Title,
		Body:      req.Body,
		MinTier:   req.MinTier,
		ContentID: req.ContentID,
	}, req.WalletIdentityHash)
	if err != nil {
		log.Warn().Err(err).Msg("create post failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("post_id", post.ID).
		Uint8("min_tier", post.MinTier).
		Msg("post created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(post.Redacted())
}

func (h *Hdl) GetPost(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	post, err := h.posts.Get(r.Context(), id)
	if err != nil {
		if errors.Cause(err) != domain.ErrPostNotFound {
			log.Warn().Err(err).Str("post_id", id).Msg("get post failed")
		}
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(post.Redacted())
}

func (h *Hdl) ListPosts(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		limit = n
	}
	posts, err := h.posts.List(r.Context(), r.URL.Query().Get("creator"), limit)
	if err != nil {
		log.Error().Err(err).Msg("list posts failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if posts == nil {
		posts = []domain.ContentPost{}
	}
	json.NewEncoder(w).Encode(posts)
}

func (h *Hdl) DeletePost(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	creator := r.Header.Get("X-Creator-Address")
	identityHash := r.Header.Get("X-Wallet-Identity")
	if creator == "" || identityHash == "" {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.posts.Delete(r.Context(), id, creator, identityHash); err != nil {
		log.Warn().Err(err).Str("post_id", id).Msg("delete post failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// Unlock gates access to sealed bodies. The response carries only the post id
// and the body.
func (h *Hdl) Unlock(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	var req UnlockReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}

	res, err := h.posts.Unlock(r.Context(), svc.UnlockParams{
		PostID:             req.PostID,
		CreatorAddress:     req.CreatorAddress,
		WalletIdentityHash: req.WalletIdentityHash,
		ClaimedPasses:      req.ClaimedPasses,
		Timestamp:          req.Timestamp,
		Signature:          req.Signature,
	}, time.Now().Unix())
	if err != nil {
		log.Info().
			Err(err).
			Str("post_id", req.PostID).
			Str("identity", util.RedactIdentityHash(req.WalletIdentityHash)).
			Msg("unlock rejected")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(res)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
		resp = domain.ToResp(domain.ErrInternalServer)
	}
	json.NewEncoder(w).Encode(struct {
		domain.ErrResp
		RequestID string `json:"request_id"`
	}{ErrResp: resp, RequestID: requestID})
}
