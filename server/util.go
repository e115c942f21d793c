package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
)

// checkOrigin validates WebSocket origin against configured allowed origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (direct WebSocket clients, CLI tools)
	if origin == "" {
		return true
	}

	// Prefix matching so any port on an allowed host passes. With nothing
	// configured this checks against the localhost defaults.
	for _, a := range s.config().GetServerAllowedOrigins() {
		if a == "*" || strings.HasPrefix(origin, a) {
			return true
		}
	}

	return false
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port, then the default, then a
// small range above the requested one so a dev box can run several
// servers side by side.
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}

	if requestedPort != config.DefaultServerPort && isPortAvailable(config.DefaultServerPort) {
		return config.DefaultServerPort, nil
	}

	for i := 1; i <= 10; i++ {
		port := requestedPort + i
		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d and %d-%d)",
		requestedPort, requestedPort+1, requestedPort+10)
}
