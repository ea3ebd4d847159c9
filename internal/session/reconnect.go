package session

import (
	"context"
)

// supervise restores the channel after an unexpected close. Exhausting the
// retry policy is terminal.
func (c *Client) supervise(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-c.lost:
			if !c.reconnect(ctx, cause) {
				return
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context, cause error) bool {
	c.publishConnection(StatusReconnecting, 0)
	c.log.Info().Err(cause).Int("max_attempts", c.policy.MaxAttempts).Msg("voice channel closed, reconnecting")

	err := c.policy.Run(ctx, func(ctx context.Context, attempt int) error {
		c.rec.RecordReconnectAttempt()
		c.publishConnection(StatusReconnecting, attempt)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			return err
		}
		c.attach(conn)
		return nil
	})
	if err == nil {
		c.log.Info().Msg("voice channel restored")
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	terr := &TransportError{Op: "reconnect", Err: err}
	c.mu.Lock()
	c.terminal = true
	c.mu.Unlock()
	c.log.Error().Err(terr).Msg("giving up on voice channel")
	c.publishError(KindTransport, "Lost the connection to the voice service and could not reconnect.", true)
	c.machine.Fail("connection lost")
	c.publishConnection(StatusDisconnected, 0)
	return false
}

// Terminal reports whether reconnection was given up.
func (c *Client) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}
