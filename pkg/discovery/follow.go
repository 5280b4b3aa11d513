package discovery

import "context"

// FollowEndpoint calls onChange whenever the companion named instance is
// seen at a new endpoint. It returns when updates is closed or ctx ends.
func FollowEndpoint(ctx context.Context, updates <-chan Update, instance string, onChange func(host string, port int)) {
	var lastHost string
	var lastPort int
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			c := upd.Companion
			if upd.Kind == UpdateRemoved || (c.Instance != instance && c.Name != instance) {
				continue
			}
			host, port := c.Endpoint()
			if host == lastHost && port == lastPort {
				continue
			}
			lastHost, lastPort = host, port
			onChange(host, port)
		}
	}
}
