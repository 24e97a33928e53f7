// Package chain reads public ledger state. The ledger is an opaque read API:
// mapping values come back as bit-width-tagged textual literals, and absence
// is "null", which is not the same thing as a stored zero.
package chain

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 15 * time.Second

// CoreProgram mappings consulted by the server.
const (
	MappingCreators    = "creators"
	MappingSubscribers = "subscriber_count"
	MappingContent     = "content"
)

type Client struct {
	baseURL    string
	program    string
	httpClient *http.Client
	sf         singleflight.Group
}

type Config struct {
	BaseURL string
	Program string
	Timeout time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ledger base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		program:    cfg.Program,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// QueryMapping fetches one mapping value. ok is false when the key is absent
// ("null" body); callers must not conflate that with a stored zero.
func (c *Client) QueryMapping(ctx context.Context, program, mapping, key string) (string, bool, error) {
	u := fmt.Sprintf("%s/mapping/%s/%s/%s",
		c.baseURL, url.PathEscape(program), url.PathEscape(mapping), url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "create request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, errors.Wrap(err, "query mapping")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, errors.Errorf("mapping query status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", false, errors.Wrap(err, "read response")
	}
	val := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if val == "null" || val == "" {
		return "", false, nil
	}
	return val, true, nil
}

// ParseUint strips a trailing bit-width tag (u8/u16/u32/u64/u128) and parses
// the remaining literal.
func ParseUint(val string) (uint64, error) {
	trimmed := val
	for _, suffix := range []string{"u128", "u64", "u32", "u16", "u8"} {
		if strings.HasSuffix(trimmed, suffix) {
			trimmed = strings.TrimSuffix(trimmed, suffix)
			break
		}
	}
	n, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse mapping literal %q", val)
	}
	return n, nil
}

// BlockHeight returns the latest block height. Concurrent callers share one
// in-flight request.
func (c *Client) BlockHeight(ctx context.Context) (uint32, error) {
	v, err, _ := c.sf.Do("height", func() (interface{}, error) {
		u := c.baseURL + "/block/height/latest"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, errors.Wrap(err, "create request")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "query height")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("height query status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		if err != nil {
			return nil, errors.Wrap(err, "read response")
		}
		h, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "parse height")
		}
		return uint32(h), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

// CreatorRegistered reports whether the address appears in the creators
// mapping. Absence means unregistered, never "registered with zero".
func (c *Client) CreatorRegistered(ctx context.Context, address string) (bool, error) {
	_, ok, err := c.QueryMapping(ctx, c.program, MappingCreators, address)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// SubscriberCount returns the public subscriber counter for a creator, or
// (0, false) when the creator has never had a subscriber.
func (c *Client) SubscriberCount(ctx context.Context, address string) (uint64, bool, error) {
	val, ok, err := c.QueryMapping(ctx, c.program, MappingSubscribers, address)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := ParseUint(val)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
