// Package security provides rate limiting and input validation for the
// socket endpoint.
package security

import (
	"regexp"
	"sync"
	"time"
)

// SecurityLimits bounds resource use per client
var SecurityLimits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxDocSize           int
	MaxMessageSize       int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxDocSize:           10_485_760, // 10MB
	MaxMessageSize:       2_000_000,  // 2MB
}

// ValidMessageTypes lists all valid WebSocket message types
var ValidMessageTypes = map[string]bool{
	"auth":         true,
	"auth_success": true,
	"auth_error":   true,
	"UserJoined":   true,
	"UserLeft":     true,
	"doc_update":   true,
	"doc_state":    true,
	"ping":         true,
	"pong":         true,
	"error":        true,
}

// SharedHashPattern validates public sharing hashes
var SharedHashPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ConnectionLimiter tracks connections per IP
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect checks if IP can create a new connection
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	count := cl.connections[ip]
	return count < SecurityLimits.MaxConnectionsPerIP
}

// AddConnection records a new connection from IP
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection removes a connection from IP
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// GetConnectionCount returns current connection count for IP
func (cl *ConnectionLimiter) GetConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose cleans up resources
func (cl *ConnectionLimiter) Dispose() {
	close(cl.stopCh)
}

// ConnectionRateLimiter tracks messages per connection using sliding window
type ConnectionRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewConnectionRateLimiter creates a new connection rate limiter
func NewConnectionRateLimiter() *ConnectionRateLimiter {
	crl := &ConnectionRateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCh:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	now := time.Now()
	for connID, timestamps := range crl.messages {
		recent := make([]time.Time, 0)
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(crl.messages, connID)
		} else {
			crl.messages[connID] = recent
		}
	}
}

// CanSendMessage checks if connection can send a message
func (crl *ConnectionRateLimiter) CanSendMessage(connectionID string) bool {
	crl.mu.RLock()
	defer crl.mu.RUnlock()

	now := time.Now()
	timestamps := crl.messages[connectionID]

	count := 0
	for _, ts := range timestamps {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}

	return count < SecurityLimits.MaxMessagesPerMinute
}

// RecordMessage records a message from connection
func (crl *ConnectionRateLimiter) RecordMessage(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()

	crl.messages[connectionID] = append(crl.messages[connectionID], time.Now())
}

// RemoveConnection removes connection tracking data
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.messages, connectionID)
}

// Dispose cleans up resources
func (crl *ConnectionRateLimiter) Dispose() {
	close(crl.stopCh)
}

// SecurityManager centralizes all security components
type SecurityManager struct {
	ConnectionLimiter     *ConnectionLimiter
	ConnectionRateLimiter *ConnectionRateLimiter
}

// NewSecurityManager creates a new security manager
func NewSecurityManager() *SecurityManager {
	return &SecurityManager{
		ConnectionLimiter:     NewConnectionLimiter(),
		ConnectionRateLimiter: NewConnectionRateLimiter(),
	}
}

// Dispose cleans up all resources
func (sm *SecurityManager) Dispose() {
	sm.ConnectionLimiter.Dispose()
	sm.ConnectionRateLimiter.Dispose()
}

// ValidateMessage validates WebSocket message format
func ValidateMessage(message map[string]interface{}) (bool, string) {
	if message == nil {
		return false, "Invalid message format"
	}

	msgType, ok := message["type"].(string)
	if !ok || msgType == "" {
		return false, "Missing message type"
	}

	if !ValidMessageTypes[msgType] {
		return false, "Invalid message type: " + msgType
	}

	return true, ""
}

// ValidateSharedHash validates a public sharing hash
func ValidateSharedHash(hash string) (bool, string) {
	if hash == "" {
		return false, "Invalid sharing hash"
	}
	if len(hash) > 256 {
		return false, "Sharing hash too long (max 256 characters)"
	}
	if !SharedHashPattern.MatchString(hash) {
		return false, "Sharing hash contains invalid characters"
	}
	return true, ""
}
