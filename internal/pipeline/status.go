package pipeline

import "time"

// startStatusLocked begins the rotating status message for the processing
// phase. Must be called with c.mu held. The previous ticker, if any, is
// stopped first so at most one runs per session.
func (c *Controller) startStatusLocked() {
	c.stopStatusLocked()

	gen := c.generation
	c.status = statusMessages[0]

	done := make(chan struct{})
	c.stopStatus = func() { close(done) }

	go func() {
		ticker := time.NewTicker(c.statusInterval)
		defer ticker.Stop()

		i := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				i++
				c.mu.Lock()
				if c.closed || gen != c.generation || c.phase != PhaseProcessing {
					c.mu.Unlock()
					return
				}
				c.status = statusMessages[i%len(statusMessages)]
				c.mu.Unlock()
			}
		}
	}()
}

// stopStatusLocked cancels the status ticker and clears the message. Must be
// called with c.mu held. Safe to call when no ticker is running.
func (c *Controller) stopStatusLocked() {
	if c.stopStatus != nil {
		c.stopStatus()
		c.stopStatus = nil
	}
	c.status = ""
}
