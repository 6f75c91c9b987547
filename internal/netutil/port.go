// Package netutil picks the address the API listens on.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// Listen binds preferred, or with autoFallback the first free candidate. The
// returned listener is already bound, so the address cannot be taken between
// selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	var errs []error
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("netutil: bind %s: %w", preferred, err)
		}
		errs = append(errs, err)
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}

	return nil, fmt.Errorf("netutil: no available bind address: %w", errors.Join(errs...))
}
