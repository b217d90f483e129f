package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/logging"
)

// backgroundWriteTimeout 限制单次后台缓存写入的耗时。
const backgroundWriteTimeout = 30 * time.Second

// networkOnly 从不读写缓存库；读方法失败时合成 503 JSON，写方法失败直接返回错误。
func (w *Worker) networkOnly(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err == nil {
		resp.Strategy = NetworkOnly
		return resp, nil
	}
	if req.IsRead() {
		w.logger.WithFields(logging.RequestFields(w.opts.Version, NetworkOnly.String(), string(SourceSynthesized), false)).
			WithField("url", req.URL.String()).
			WithError(err).
			Debug("api offline, synthesized response")
		return offlineResponse(), nil
	}
	return nil, err
}

// networkFirst 优先走网络，2xx 响应在后台写入当前缓存库；网络失败时回退到快照。
func (w *Worker) networkFirst(ctx context.Context, req *Request) (*Response, error) {
	resp, netErr := w.opts.Network.Fetch(ctx, req)
	if netErr == nil {
		resp.Strategy = NetworkFirst
		if resp.OK() && req.Method == http.MethodGet {
			w.putAsync(ctx, req.Key(), resp.Snapshot())
		}
		return resp, nil
	}

	store := w.currentStore()
	if store == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
	}
	snap, err := store.Match(ctx, req.Key())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logging.RequestFields(w.opts.Version, NetworkFirst.String(), string(SourceCache), false)).
				WithField("url", req.URL.String()).
				WithError(err).
				Warn("cache lookup failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
	}
	return responseFromSnapshot(snap, NetworkFirst), nil
}

// cacheFirst 命中快照时不访问网络；未命中时取网络结果但不回写缓存库。
func (w *Worker) cacheFirst(ctx context.Context, req *Request) (*Response, error) {
	if store := w.currentStore(); store != nil {
		snap, err := store.Match(ctx, req.Key())
		switch {
		case err == nil:
			return responseFromSnapshot(snap, CacheFirst), nil
		case !errors.Is(err, cache.ErrNotFound):
			w.logger.WithFields(logging.RequestFields(w.opts.Version, CacheFirst.String(), string(SourceCache), false)).
				WithField("url", req.URL.String()).
				WithError(err).
				Warn("cache lookup failed")
		}
	}

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Strategy = CacheFirst
	return resp, nil
}

// putAsync 在后台写入缓存，不阻塞响应返回；请求结束不会取消写入。
func (w *Worker) putAsync(ctx context.Context, key cache.RequestKey, snap cache.Snapshot) {
	store := w.currentStore()
	if store == nil {
		return
	}
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
		defer cancel()
		if err := store.Put(writeCtx, key, snap); err != nil {
			entry := w.logger.WithFields(logging.WorkerFields("cache_put", w.opts.Version, w.State().String())).
				WithField("url", key.URL).
				WithError(err)
			if errors.Is(err, cache.ErrStoreDeleted) {
				entry.Debug("cache store gone, write dropped")
				return
			}
			entry.Warn("cache write failed")
		}
	}()
}
