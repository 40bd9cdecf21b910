package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// TokenTTL is how long a pairing token stays valid.
const TokenTTL = 5 * time.Minute

// PendingPairing is an open handshake, typically rendered as a QR code.
type PendingPairing struct {
	Token     string        `json:"token"`
	LocalID   models.NodeID `json:"local_id"`
	Alias     string        `json:"alias,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Pairer records a completed handshake.
type Pairer interface {
	Pair(ctx context.Context, nid models.NodeID, alias string) error
}

// Coordinator hands out single-use pairing tokens.
type Coordinator struct {
	pairer Pairer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]PendingPairing
}

// NewCoordinator returns a Coordinator that pairs completed handshakes via p.
// p may be nil when the caller pairs on its own.
func NewCoordinator(p Pairer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		pairer:  p,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]PendingPairing),
	}
}

// Initiate opens a handshake for this device.
func (c *Coordinator) Initiate(local models.NodeID, alias string) PendingPairing {
	p := PendingPairing{
		Token:     uuid.NewString(),
		LocalID:   local,
		Alias:     alias,
		ExpiresAt: c.now().Add(TokenTTL),
	}
	c.mu.Lock()
	c.pending[p.Token] = p
	c.mu.Unlock()
	return p
}

// Complete consumes token and pairs remote. Unknown, used and expired tokens
// fail with apperr.ErrInvalidOrExpiredToken.
func (c *Coordinator) Complete(ctx context.Context, token string, remote models.NodeID, alias string) (models.NodeID, error) {
	c.mu.Lock()
	p, ok := c.pending[token]
	delete(c.pending, token)
	c.mu.Unlock()

	if !ok || !c.now().Before(p.ExpiresAt) {
		return models.NodeID{}, apperr.ErrInvalidOrExpiredToken
	}
	if remote.IsZero() {
		return models.NodeID{}, apperr.Invalid("remote", "node id is required")
	}
	if c.pairer != nil {
		if err := c.pairer.Pair(ctx, remote, alias); err != nil {
			return models.NodeID{}, fmt.Errorf("complete pairing: %w", err)
		}
	}
	return remote, nil
}

// Cleanup drops expired handshakes and returns how many were removed.
func (c *Coordinator) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for token, p := range c.pending {
		if !now.Before(p.ExpiresAt) {
			delete(c.pending, token)
			n++
		}
	}
	return n
}

// Pending returns the number of open handshakes.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run calls Cleanup every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("pairing: expired tokens swept", slog.Int("count", n))
			}
		}
	}
}
