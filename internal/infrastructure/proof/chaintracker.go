package proofservice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/tidwall/gjson"
)

// chainTracker validates merkle roots against a block headers endpoint
// answering GET {base}/block/{height}/header with a JSON object carrying
// the merkleroot field. The chain tip is read from GET {base}/chain/info.
type chainTracker struct {
	baseUrl    string
	httpClient *http.Client

	lock  sync.RWMutex
	roots map[uint32]chainhash.Hash
}

func NewChainTracker(baseUrl string, timeout time.Duration) (beef.ChainTracker, error) {
	if _, err := url.ParseRequestURI(baseUrl); err != nil {
		return nil, fmt.Errorf("invalid chain tracker url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &chainTracker{
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		httpClient: &http.Client{Timeout: timeout},
		roots:      make(map[uint32]chainhash.Hash),
	}, nil
}

func (t *chainTracker) IsValidRootForHeight(
	ctx context.Context, root *chainhash.Hash, height uint32,
) (bool, error) {
	t.lock.RLock()
	known, ok := t.roots[height]
	t.lock.RUnlock()
	if ok {
		return known.IsEqual(root), nil
	}

	body, err := t.get(ctx, fmt.Sprintf("/block/%d/header", height))
	if err != nil {
		return false, fmt.Errorf("failed to fetch header at height %d: %w", height, err)
	}

	merkleRoot := gjson.GetBytes(body, "merkleroot").String()
	if merkleRoot == "" {
		return false, fmt.Errorf("header at height %d has no merkle root", height)
	}
	hash, err := chainhash.NewHashFromStr(merkleRoot)
	if err != nil {
		return false, fmt.Errorf("invalid merkle root %s: %w", merkleRoot, err)
	}

	t.lock.Lock()
	t.roots[height] = *hash
	t.lock.Unlock()

	return hash.IsEqual(root), nil
}

func (t *chainTracker) CurrentHeight(ctx context.Context) (uint32, error) {
	body, err := t.get(ctx, "/chain/info")
	if err != nil {
		return 0, fmt.Errorf("failed to fetch chain info: %w", err)
	}
	blocks := gjson.GetBytes(body, "blocks")
	if !blocks.Exists() {
		return 0, fmt.Errorf("chain info has no block height")
	}
	return uint32(blocks.Uint()), nil
}

func (t *chainTracker) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseUrl+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// nolint
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}
