package trialstate

import "fmt"

// transition applies the edge t.Status -> to, adjusting c. It is the only
// place trial status changes and counters are kept in step.
//
//	PENDING     -> IN_PROGRESS  pending-1, inFlight+1
//	IN_PROGRESS -> COMPLETED    inFlight-1 (or failed-1 after a failure), completed+1
//	IN_PROGRESS -> FAILED       first failure: inFlight-1, failed+1
//	IN_PROGRESS -> PENDING      stale repair of a never-failed trial: inFlight-1, pending+1
//	FAILED      -> IN_PROGRESS  retry, no counter change
func transition(t *Trial, to Status, c *Counters) error {
	invalid := func() error {
		return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}

	switch t.Status {
	case StatusPending:
		switch to {
		case StatusInProgress:
			c.Pending--
			c.InFlight++
		case StatusPending, StatusCompleted, StatusFailed:
			return invalid()
		default:
			return invalid()
		}

	case StatusInProgress:
		switch to {
		case StatusCompleted:
			if t.EverFailed {
				c.Failed--
			} else {
				c.InFlight--
			}
			c.Completed++
		case StatusFailed:
			if !t.EverFailed {
				c.InFlight--
				c.Failed++
				t.EverFailed = true
			}
		case StatusPending:
			if t.EverFailed {
				return invalid()
			}
			c.InFlight--
			c.Pending++
		case StatusInProgress:
			return invalid()
		default:
			return invalid()
		}

	case StatusFailed:
		switch to {
		case StatusInProgress:
			t.RetryCount++
		case StatusPending, StatusCompleted, StatusFailed:
			return invalid()
		default:
			return invalid()
		}

	case StatusCompleted:
		switch to {
		case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
			return invalid()
		default:
			return invalid()
		}

	default:
		return invalid()
	}

	t.Status = to
	return nil
}

// deriveCounters recomputes the aggregate counters from trial states.
func deriveCounters(trials []Trial) Counters {
	c := Counters{Total: len(trials)}
	for _, t := range trials {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusInProgress:
			if t.EverFailed {
				c.Failed++
			} else {
				c.InFlight++
			}
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}
