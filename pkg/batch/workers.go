package batch

import (
	"context"
	"fmt"

	"github.com/lkarlslund/grokgateway/pkg/pool"
)

// upstreamClient is the subset of pkg/upstream.Client this package's
// default workers need, kept as an interface so tests can fake it without
// importing the real HTTP client.
type upstreamClient interface {
	CheckQuota(class pool.Class) pool.QuotaChecker
	EnableContentMode(ctx context.Context, token string) error
	ListRemoteAssets(ctx context.Context, token string) (int, error)
	PurgeRemoteAssets(ctx context.Context, token string) (int, error)
}

// NewWorkerFactory builds the four task-kind workers against a real pool
// and upstream client. Grounded one-to-one on original_source's
// batch_services/*.py: refresh_usage on BatchUsageService.refresh (delegates
// to mgr.sync_usage, here pool.Pool.RefreshNow), enable_content_mode on
// BatchNSFWService.enable (tags the token "nsfw" on success), and
// list_remote_assets/purge_remote_assets on BatchAssetsService's
// fetch_details/clear_online.
func NewWorkerFactory(p *pool.Pool, up upstreamClient) WorkerFactory {
	return func(kind TaskKind) (Worker, error) {
		switch kind {
		case KindRefreshUsage:
			return func(ctx context.Context, tokenID string) (map[string]any, error) {
				rec, ok := p.Get(tokenID)
				if !ok {
					return nil, fmt.Errorf("unknown token")
				}
				if err := p.RefreshNow(ctx, tokenID, up.CheckQuota(rec.Class)); err != nil {
					return nil, err
				}
				rec, _ = p.Get(tokenID)
				return map[string]any{"quota_snapshot": rec.QuotaSnapshot}, nil
			}, nil

		case KindEnableContentMode:
			return func(ctx context.Context, tokenID string) (map[string]any, error) {
				if err := up.EnableContentMode(ctx, tokenID); err != nil {
					return nil, err
				}
				rec, ok := p.Get(tokenID)
				if ok && !rec.HasTag("nsfw") {
					_ = p.ReplaceRecord(tokenID, pool.Patch{Tags: append(append([]string(nil), rec.Tags...), "nsfw")})
				}
				return map[string]any{"content_mode": "enabled"}, nil
			}, nil

		case KindListRemoteAssets:
			return func(ctx context.Context, tokenID string) (map[string]any, error) {
				count, err := up.ListRemoteAssets(ctx, tokenID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"count": count}, nil
			}, nil

		case KindPurgeRemoteAssets:
			return func(ctx context.Context, tokenID string) (map[string]any, error) {
				purged, err := up.PurgeRemoteAssets(ctx, tokenID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"purged": purged}, nil
			}, nil

		default:
			return nil, fmt.Errorf("batch: unknown task kind %q", kind)
		}
	}
}
