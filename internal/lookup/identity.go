package lookup

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
)

// DefaultUserAgents is used when no LOOKUP_USER_AGENTS are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

// Identity is the request fingerprint used for one attempt.
type Identity struct {
	UserAgent string
	Proxy     *url.URL
}

// Key identifies the identity for repeat avoidance and transport reuse.
func (i Identity) Key() string {
	if i.Proxy == nil {
		return i.UserAgent
	}
	return i.UserAgent + "|" + i.Proxy.String()
}

// IdentityPool hands out identities pseudo-randomly.
type IdentityPool struct {
	mu         sync.Mutex
	identities []Identity
	intn       func(n int) int
}

// NewIdentityPool builds the cross product of user agents and proxies. An empty
// proxy list means direct connections.
func NewIdentityPool(userAgents, proxies []string) (*IdentityPool, error) {
	if len(userAgents) == 0 {
		userAgents = DefaultUserAgents
	}
	parsed := make([]*url.URL, 0, len(proxies))
	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid proxy %q", ErrInfrastructure, raw)
		}
		parsed = append(parsed, u)
	}
	if len(parsed) == 0 {
		parsed = append(parsed, nil)
	}
	identities := make([]Identity, 0, len(userAgents)*len(parsed))
	for _, ua := range userAgents {
		for _, proxy := range parsed {
			identities = append(identities, Identity{UserAgent: ua, Proxy: proxy})
		}
	}
	return &IdentityPool{identities: identities, intn: rand.IntN}, nil
}

// Size returns the number of distinct identities.
func (p *IdentityPool) Size() int {
	return len(p.identities)
}

// Pick returns a random identity different from previous when the pool allows.
func (p *IdentityPool) Pick(previous string) Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.identities)
	if n == 1 {
		return p.identities[0]
	}
	idx := p.intn(n)
	if p.identities[idx].Key() == previous {
		idx = (idx + 1 + p.intn(n-1)) % n
	}
	return p.identities[idx]
}
