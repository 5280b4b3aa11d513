package discovery

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// MDNSBrowser browses for companions using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig

	mu      sync.Mutex
	stopped bool
	cancels map[int]context.CancelFunc
	nextID  int
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	return &MDNSBrowser{config: config, cancels: make(map[int]context.CancelFunc)}
}

func (b *MDNSBrowser) debugLog(msg string, args ...any) {
	if b.config.Logger != nil {
		b.config.Logger.Debug(msg, args...)
	}
}

// Browse reports companions until ctx is done or Stop is called. Services
// are aggregated by instance name: addresses seen on multiple interfaces
// are combined, and an instance is reported removed once none remain.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan Update, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrBrowserStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	id := b.nextID
	b.nextID++
	b.cancels[id] = cancel
	b.mu.Unlock()

	out := make(chan Update)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	agg := newAggregator()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.cancels, id)
			b.mu.Unlock()
			cancel()
		}()

		for {
			var (
				upd Update
				ok  bool
			)
			select {
			case entry, open := <-entries:
				if !open {
					return
				}
				upd, ok = agg.add(recordFromEntry(entry))
			case entry, open := <-removed:
				if !open {
					removed = nil
					continue
				}
				upd, ok = agg.remove(recordFromEntry(entry))
			case <-ctx.Done():
				return
			}
			if !ok {
				continue
			}
			b.debugLog("companion "+upd.Kind.String(), "instance", upd.Companion.Instance, "addr", upd.Companion.Address())
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()

	opts := b.browserOptions()
	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.debugLog("mdns browse ended", "error", err)
		}
	}()

	return out, nil
}

// Find returns the first companion whose instance or name matches.
func (b *MDNSBrowser) Find(ctx context.Context, name string) (*Companion, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for upd := range updates {
		if upd.Kind == UpdateRemoved {
			continue
		}
		if upd.Companion.Instance == name || upd.Companion.Name == name {
			return upd.Companion, nil
		}
	}
	return nil, ErrNotFound
}

// Stop stops all active browsing operations.
func (b *MDNSBrowser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for _, cancel := range b.cancels {
		cancel()
	}
}

// browserOptions returns zeroconf client options based on config.
func (b *MDNSBrowser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// record is the part of a zeroconf entry the aggregator needs.
type record struct {
	instance string
	host     string
	port     int
	text     []string
	addrs    []string
}

func recordFromEntry(entry *zeroconf.ServiceEntry) record {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return record{
		instance: entry.Instance,
		host:     entry.HostName,
		port:     entry.Port,
		text:     entry.Text,
		addrs:    addrs,
	}
}

type aggregator struct {
	services map[string]*Companion
}

func newAggregator() *aggregator {
	return &aggregator{services: make(map[string]*Companion)}
}

// add merges an announcement. It reports an update for a new instance or
// a changed endpoint.
func (a *aggregator) add(r record) (Update, bool) {
	existing, found := a.services[r.instance]
	if !found {
		c := &Companion{Instance: r.instance, Host: r.host, Port: r.port, Addresses: mergeAddresses(nil, r.addrs)}
		applyTXT(c, StringsToTXTRecords(r.text))
		a.services[r.instance] = c
		return Update{Kind: UpdateAdded, Companion: c.clone()}, true
	}

	before := existing.Address()
	beforeCount := len(existing.Addresses)
	if r.port != 0 && r.port != existing.Port {
		existing.Port = r.port
	}
	if r.host != "" {
		existing.Host = r.host
	}
	existing.Addresses = mergeAddresses(existing.Addresses, r.addrs)
	if len(r.text) > 0 {
		applyTXT(existing, StringsToTXTRecords(r.text))
	}
	if existing.Address() == before && len(existing.Addresses) == beforeCount {
		return Update{}, false
	}
	return Update{Kind: UpdateChanged, Companion: existing.clone()}, true
}

// remove drops the addresses of a goodbye announcement.
func (a *aggregator) remove(r record) (Update, bool) {
	existing, found := a.services[r.instance]
	if !found {
		return Update{}, false
	}
	before := existing.Address()
	existing.Addresses = removeAddresses(existing.Addresses, r.addrs)
	if len(existing.Addresses) == 0 {
		delete(a.services, r.instance)
		return Update{Kind: UpdateRemoved, Companion: existing.clone()}, true
	}
	if existing.Address() == before {
		return Update{}, false
	}
	return Update{Kind: UpdateChanged, Companion: existing.clone()}, true
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, new []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range new {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	sort.Strings(existing)
	return existing
}

// removeAddresses removes the given addresses from the list.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, a := range gone {
		toRemove[a] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
