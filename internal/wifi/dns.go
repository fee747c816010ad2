package wifi

import (
	"context"
	"fmt"
	"net"
)

// ResolveHost looks up host through the system resolver. It is used as a
// probe that the network path works before talking to remote servers.
func ResolveHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	return addrs, nil
}
