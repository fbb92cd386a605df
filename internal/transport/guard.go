package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/logging"
)

// Rate limiting defaults. Two independent mechanisms protect the listeners:
//   - Sliding-window rate limit: max connection attempts per minute per IP.
//   - Consecutive failure block: after N failed logins in a row the IP is
//     refused for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

// RateLimitConfigFrom converts the [ratelimit] section.
func RateLimitConfigFrom(c config.RateLimit) RateLimitConfig {
	rc := RateLimitConfig{
		MaxAttemptsPerMinute: c.MaxAttemptsPerMinute,
		MaxConsecFailures:    c.MaxConsecFailures,
		BlockDuration:        config.Duration(c.BlockDuration, DefaultBlockDuration),
	}
	if rc.MaxAttemptsPerMinute <= 0 {
		rc.MaxAttemptsPerMinute = DefaultMaxAttemptsPerMinute
	}
	if rc.MaxConsecFailures <= 0 {
		rc.MaxConsecFailures = DefaultMaxConsecFailures
	}
	return rc
}

type ipRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter tracks connection attempts and login failures per remote IP.
// It is shared by every listener so a caller cannot dodge the block by
// switching protocol.
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*ipRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config: config,
		state:  make(map[string]*ipRateState),
		nowFn:  time.Now,
	}
}

// Allow records a connection attempt from ip, or refuses it.
func (rl *RateLimiter) Allow(ip string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(ip)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("%s blocked for %s after %d consecutive failures", ip, remaining, s.consecFailures)
	}

	cutoff := now.Add(-1 * time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		return fmt.Errorf("%s exceeded %d connection attempts per minute", ip, rl.config.MaxAttemptsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess resets the consecutive failure counter for ip.
func (rl *RateLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s := rl.getOrCreateState(ip)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed login and blocks ip at the threshold.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(ip)
	s.consecFailures++
	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		logger := logging.For("ratelimit")
		logger.Warn().Str("ip", ip).Time("until", s.blockedUntil).
			Int("failures", s.consecFailures).Msg("blocking address")
	}
}

// Blocked reports whether ip is currently blocked.
func (rl *RateLimiter) Blocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	s, ok := rl.state[ip]
	return ok && rl.nowFn().Before(s.blockedUntil)
}

// Prune drops state for addresses with no recent activity.
func (rl *RateLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.nowFn()
	cutoff := now.Add(-1 * time.Minute)
	for ip, s := range rl.state {
		recent := len(s.attempts) > 0 && s.attempts[len(s.attempts)-1].After(cutoff)
		if !recent && !now.Before(s.blockedUntil) && s.consecFailures == 0 {
			delete(rl.state, ip)
		}
	}
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(ip string) *ipRateState {
	s, ok := rl.state[ip]
	if !ok {
		s = &ipRateState{}
		rl.state[ip] = s
	}
	return s
}

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 or /128 networks. Empty input returns nil
// (allow-all).
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// Guard admits connections to one listener: the listener's allow-list
// first, then the shared rate limiter.
type Guard struct {
	networks []*net.IPNet
	limiter  *RateLimiter
}

// NewGuard builds a guard from an allow-list string. limiter may be nil.
func NewGuard(allowList string, limiter *RateLimiter) (*Guard, error) {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return nil, err
	}
	return &Guard{networks: networks, limiter: limiter}, nil
}

// Admit returns nil if a connection from ip may proceed.
func (g *Guard) Admit(ip string) error {
	if g == nil {
		return nil
	}
	if len(g.networks) > 0 {
		parsed := net.ParseIP(strings.TrimSpace(ip))
		if parsed == nil {
			return fmt.Errorf("could not parse source IP %q", logging.Sanitize(ip))
		}
		allowed := false
		for _, n := range g.networks {
			if n.Contains(parsed) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("source IP %s is not in the allowed list", ip)
		}
	}
	if g.limiter != nil {
		return g.limiter.Allow(ip)
	}
	return nil
}

func (g *Guard) Success(ip string) {
	if g != nil && g.limiter != nil {
		g.limiter.RecordSuccess(ip)
	}
}

func (g *Guard) Failure(ip string) {
	if g != nil && g.limiter != nil {
		g.limiter.RecordFailure(ip)
	}
}
