package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// Client talks to a live node over its control API. Transport failures are
// reported as apperr.ErrNetwork.
type Client struct {
	base  string
	http  *http.Client
	local models.NodeID
}

var _ Node = (*Client)(nil)

// Dial connects to the node at baseURL and fetches its id.
func Dial(ctx context.Context, baseURL string, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
	var info nodeInfo
	if err := c.do(ctx, http.MethodGet, "/v1/node", nil, &info); err != nil {
		return nil, err
	}
	c.local = info.NID
	return c, nil
}

func (c *Client) LocalID() models.NodeID { return c.local }

func (c *Client) Seed(ctx context.Context, rid models.RepoID, scope Scope) error {
	return c.do(ctx, http.MethodPost, "/v1/seeds", seedRequest{RID: rid, Scope: scope}, nil)
}

func (c *Client) Unseed(ctx context.Context, rid models.RepoID) error {
	return c.do(ctx, http.MethodDelete, "/v1/seeds/"+url.PathEscape(rid.String()), nil, nil)
}

func (c *Client) SeedPolicies(ctx context.Context) ([]SeedPolicy, error) {
	var out []SeedPolicy
	err := c.do(ctx, http.MethodGet, "/v1/seeds", nil, &out)
	return out, err
}

func (c *Client) Follow(ctx context.Context, nid models.NodeID, alias string) (bool, error) {
	var resp updatedResponse
	err := c.do(ctx, http.MethodPost, "/v1/follows", followRequest{NID: nid, Alias: alias}, &resp)
	return resp.Updated, err
}

func (c *Client) Unfollow(ctx context.Context, nid models.NodeID) (bool, error) {
	var resp updatedResponse
	err := c.do(ctx, http.MethodDelete, "/v1/follows/"+nid.String(), nil, &resp)
	return resp.Updated, err
}

func (c *Client) FollowPolicies(ctx context.Context) ([]FollowPolicy, error) {
	var out []FollowPolicy
	err := c.do(ctx, http.MethodGet, "/v1/follows", nil, &out)
	return out, err
}

func (c *Client) InitRepository(ctx context.Context, doc Repository) error {
	return c.do(ctx, http.MethodPost, "/v1/repos", doc, nil)
}

func (c *Client) Repository(ctx context.Context, rid models.RepoID) (Repository, error) {
	var doc Repository
	err := c.do(ctx, http.MethodGet, "/v1/repos/"+url.PathEscape(rid.String()), nil, &doc)
	return doc, err
}

func (c *Client) Repositories(ctx context.Context) ([]Repository, error) {
	var out []Repository
	err := c.do(ctx, http.MethodGet, "/v1/repos", nil, &out)
	return out, err
}

func (c *Client) UpdateDelegates(ctx context.Context, rid models.RepoID, add, remove []models.NodeID) (Repository, error) {
	var doc Repository
	err := c.do(ctx, http.MethodPatch, "/v1/repos/"+url.PathEscape(rid.String())+"/delegates",
		delegatesRequest{Add: add, Remove: remove}, &doc)
	return doc, err
}

func (c *Client) AnnounceRefs(ctx context.Context, rid models.RepoID) error {
	return c.do(ctx, http.MethodPost, "/v1/repos/"+url.PathEscape(rid.String())+"/announce", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("node client: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("node client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return apperr.FromStatus(resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Network(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
