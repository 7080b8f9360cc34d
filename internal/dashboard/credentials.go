package dashboard

import (
	"context"
	"sync"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// Credentials holds the bearer token of the session driving this dashboard.
// The synchronizer reads it on every tick.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

// Set records the most recent credential
func (c *Credentials) Set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Clear forgets the credential; ticks fail with ErrUnauthorized until Set is called
func (c *Credentials) Clear() {
	c.Set("")
}

// Token returns the current credential or ErrUnauthorized when none is held
func (c *Credentials) Token(context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", domain.ErrUnauthorized
	}
	return c.token, nil
}
