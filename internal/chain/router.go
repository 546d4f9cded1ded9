package chain

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Router maps chain ids to clients.
type Router interface {
	// ForChain returns the client for id or ErrChainNotConfigured. Callers
	// that treat a missing chain as an expected condition use Resolve.
	ForChain(id int64) (Client, error)
	Chains() []int64
}

// Resolve returns the client for id, or nil when the chain is not configured.
func Resolve(r Router, id int64) Client {
	if r == nil {
		return nil
	}
	c, err := r.ForChain(id)
	if err != nil {
		return nil
	}
	return c
}

// Single serves every chain id with one client.
type Single struct {
	client Client
}

// NewSingle wraps c.
func NewSingle(c Client) *Single { return &Single{client: c} }

func (s *Single) ForChain(int64) (Client, error) { return s.client, nil }

func (s *Single) Chains() []int64 { return []int64{s.client.ChainID()} }

// Multi holds one client per configured chain.
type Multi struct {
	clients map[int64]Client
}

// NewMulti requires at least one client.
func NewMulti(clients map[int64]Client) (*Multi, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("chain: multi-chain router needs at least one client")
	}
	m := &Multi{clients: make(map[int64]Client, len(clients))}
	for id, c := range clients {
		m.clients[id] = c
	}
	return m, nil
}

func (m *Multi) ForChain(id int64) (Client, error) {
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotConfigured, id)
	}
	return c, nil
}

func (m *Multi) Chains() []int64 {
	ids := make([]int64, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseRPCURLs parses "1=https://a,8453=https://b".
func ParseRPCURLs(s string) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("chain: malformed entry %q, want <chainId>=<url>", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("chain: invalid chain id %q", id)
		}
		if _, dup := out[n]; dup {
			return nil, fmt.Errorf("chain: chain id %d listed twice", n)
		}
		out[n] = strings.TrimSpace(url)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: no RPC URLs given")
	}
	return out, nil
}

// Dial connects to every url and returns a Multi router over them.
func Dial(ctx context.Context, urls map[int64]string) (*Multi, error) {
	clients := make(map[int64]Client, len(urls))
	for id, url := range urls {
		c, err := DialEth(ctx, url, id)
		if err != nil {
			for _, opened := range clients {
				opened.(*EthClient).Close()
			}
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
		clients[id] = c
	}
	return NewMulti(clients)
}

type closer interface{ Close() }

// Close releases every client of r that holds a connection.
func Close(r Router) {
	if r == nil {
		return
	}
	for _, id := range r.Chains() {
		if c, err := r.ForChain(id); err == nil {
			if cl, ok := c.(closer); ok {
				cl.Close()
			}
		}
	}
}
