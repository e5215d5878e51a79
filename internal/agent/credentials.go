package agent

import (
	"context"

	"carenote/internal/upstream"
)

// credentials keeps every upstream client on the same bearer token. Logout is
// sent once through the primary client.
type credentials struct {
	primary *upstream.Client
	others  []*upstream.Client
}

func (c *credentials) Token() string {
	return c.primary.Token()
}

func (c *credentials) SetToken(token string) {
	c.primary.SetToken(token)
	for _, client := range c.others {
		client.SetToken(token)
	}
}

func (c *credentials) Logout(ctx context.Context) error {
	return c.primary.Logout(ctx)
}
