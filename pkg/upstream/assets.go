package upstream

import (
	"context"
	"net/url"

	"github.com/tidwall/gjson"
)

// assetsPath mirrors AssetsListReverse's LIST_API ("/rest/assets"), a
// GET-with-query-params REST listing of a token's generated media.
const assetsPath = "/rest/assets"

// ListRemoteAssets counts the assets the upstream currently holds for one
// token, grounded on AssetsListReverse.request / BatchAssetsService's
// ListService.count. The listing response shape isn't pinned down by the
// retrieval pack beyond "an array the count is taken from", so this reads
// the top-level array length or a totalCount field, whichever is present.
func (c *Client) ListRemoteAssets(ctx context.Context, token string) (int, error) {
	query := url.Values{"pageSize": {"100"}}
	resp, err := c.DoRaw(ctx, token, "GET", assetsPath, query, nil, "")
	if err != nil {
		return 0, err
	}
	if gwErr := ClassifyHTTP(resp.Status, resp.Body); gwErr != nil {
		return 0, gwErr
	}
	parsed := gjson.ParseBytes(resp.Body)
	if tc := parsed.Get("totalCount"); tc.Exists() {
		return int(tc.Int()), nil
	}
	if assets := parsed.Get("assets"); assets.IsArray() {
		return len(assets.Array()), nil
	}
	if parsed.IsArray() {
		return len(parsed.Array()), nil
	}
	return 0, nil
}

// PurgeRemoteAssets deletes every asset the upstream holds for one token.
// The retrieval pack's original_source includes AssetsListReverse (GET) but
// not the companion delete-by-id reverse call; this follows the same
// /rest/assets REST resource with the conventional DELETE verb, listing
// first to report how many were removed, noted in DESIGN.md as an inferred
// (not directly grounded) endpoint shape.
func (c *Client) PurgeRemoteAssets(ctx context.Context, token string) (int, error) {
	count, err := c.ListRemoteAssets(ctx, token)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	resp, err := c.DoRaw(ctx, token, "DELETE", assetsPath, url.Values{"all": {"true"}}, nil, "")
	if err != nil {
		return 0, err
	}
	if gwErr := ClassifyHTTP(resp.Status, resp.Body); gwErr != nil {
		return 0, gwErr
	}
	return count, nil
}
