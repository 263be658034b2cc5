package sip

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// ACL is an ordered allow/deny list over address prefixes. The first node
// containing the address decides; an address matching nothing gets the
// list's default.
type ACL struct {
	name         string
	defaultAllow bool
	nodes        []aclNode
}

type aclNode struct {
	allow  bool
	prefix netip.Prefix
}

// NewACL creates an ACL with the given default action.
func NewACL(name string, defaultAllow bool) *ACL {
	return &ACL{name: name, defaultAllow: defaultAllow}
}

// Name returns the ACL name.
func (a *ACL) Name() string { return a.name }

// Add appends an allow or deny node. Accepts CIDR notation or a plain
// address (treated as /32 or /128).
func (a *ACL) Add(allow bool, cidr string) error {
	prefix, err := parseCIDROrIP(cidr)
	if err != nil {
		return fmt.Errorf("acl %q: %w", a.name, err)
	}
	a.nodes = append(a.nodes, aclNode{allow: allow, prefix: prefix})
	return nil
}

// Check decides whether an address (optionally host:port) passes the list.
// Unparseable addresses are denied.
func (a *ACL) Check(ipStr string) bool {
	addr, err := parseAddr(ipStr)
	if err != nil {
		return false
	}
	for _, n := range a.nodes {
		if n.prefix.Contains(addr) {
			return n.allow
		}
	}
	return a.defaultAllow
}

// ACLSet holds the named ACLs a profile's apply-inbound lists refer to.
type ACLSet struct {
	mu     sync.RWMutex
	acls   map[string]*ACL
	logger *slog.Logger
}

// NewACLSet creates an empty set.
func NewACLSet(logger *slog.Logger) *ACLSet {
	return &ACLSet{
		acls:   make(map[string]*ACL),
		logger: logger.With("subsystem", "acl"),
	}
}

// Put registers or replaces a named ACL.
func (s *ACLSet) Put(a *ACL) {
	s.mu.Lock()
	s.acls[a.name] = a
	s.mu.Unlock()
}

// Get returns a named ACL.
func (s *ACLSet) Get(name string) (*ACL, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.acls[name]
	return a, ok
}

// Check evaluates a profile's apply-inbound list against a source address.
// Each token is either a named ACL or a literal CIDR; the first token that
// passes admits the request. An empty list admits everything. Unknown ACL
// names are logged and skipped.
func (s *ACLSet) Check(tokens []string, ipStr string) bool {
	if len(tokens) == 0 {
		return true
	}
	addr, err := parseAddr(ipStr)
	if err != nil {
		s.logger.Warn("unparseable source address for acl check", "addr", ipStr, "error", err)
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tok := range tokens {
		if a, ok := s.acls[tok]; ok {
			if a.Check(ipStr) {
				return true
			}
			continue
		}
		prefix, err := parseCIDROrIP(tok)
		if err != nil {
			s.logger.Warn("unknown acl token", "token", tok)
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP
// address. Single IPs become /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g.
// "192.168.1.1:5060") and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
