package session

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// StartSweeper runs SweepExpired on a fixed schedule. The sweep is a
// physical-cleanup pass only; reads already treat expired rows as absent.
func StartSweeper(store *Store, interval string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("@every "+interval, func() {
		if n := store.SweepExpired(); n > 0 {
			log.Printf("[session] swept %d expired session(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	return c, nil
}
