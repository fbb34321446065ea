package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Mapping is the node's public address as seen by STUN servers.
type Mapping struct {
	Host    string
	Mapped  string
	NATType string
}

// PublicAddress queries STUN servers for the node's public address. The
// address is only reported upstream; the server's IP classification stays
// authoritative.
func PublicAddress(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NATType: NATTypeUnknown}, fmt.Errorf("no STUN servers provided")
	}

	results := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := bindingRequest(ctx, server, timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		results = append(results, addr)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return Mapping{NATType: NATTypeUnknown}, lastErr
	}

	return Mapping{
		Host:    HostOf(results[0]),
		Mapped:  results[0],
		NATType: ClassifyNAT(results),
	}, nil
}

// ClassifyNAT infers NAT type by comparing mapped addresses from multiple servers.
func ClassifyNAT(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// HostOf strips the port from a mapped address. It accepts bracketed and
// unbracketed IPv6 as well as bare hosts.
func HostOf(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			if _, err := strconv.Atoi(a[last+1:]); err == nil {
				return a[:last]
			}
		}
	}
	return strings.Trim(a, "[]")
}

func bindingRequest(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			select {
			case fail <- err:
			default:
			}
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AddressTracker caches the latest STUN mapping so other components can
// read the public address without blocking.
type AddressTracker struct {
	Servers     []string
	Timeout     time.Duration
	MinInterval time.Duration

	mu      sync.RWMutex
	current Mapping
	checked time.Time
	lookup  func(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error)
}

// NewAddressTracker creates a tracker over the given STUN servers.
func NewAddressTracker(servers []string, timeout time.Duration) *AddressTracker {
	return &AddressTracker{
		Servers:     servers,
		Timeout:     timeout,
		MinInterval: time.Minute,
		lookup:      PublicAddress,
	}
}

// Refresh re-queries STUN unless the last successful lookup is recent.
// A failed lookup keeps the previous mapping.
func (t *AddressTracker) Refresh(ctx context.Context) error {
	t.mu.RLock()
	fresh := !t.checked.IsZero() && time.Since(t.checked) < t.MinInterval
	t.mu.RUnlock()
	if fresh || len(t.Servers) == 0 {
		return nil
	}

	m, err := t.lookup(ctx, t.Servers, t.Timeout)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.current = m
	t.checked = time.Now()
	t.mu.Unlock()
	return nil
}

// Current returns the last known public host, or "" if none.
func (t *AddressTracker) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.Host
}

// Mapping returns the last known STUN mapping.
func (t *AddressTracker) Mapping() Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}
