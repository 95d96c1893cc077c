package effect

import (
	"fmt"

	"QuantaLedger/internal/ledger"
)

// Container collects the effects of one quantum as they commit. Commits run
// in declaration order; if any sub-step fails after earlier ones committed,
// Revert undoes them in exact reverse order and the quantum is discarded
// before an apex is consumed.
type Container struct {
	st        *ledger.State
	committed []Effect
}

func NewContainer(st *ledger.State) *Container {
	return &Container{st: st}
}

// Commit applies one effect and records it. On failure nothing is recorded
// and the caller is expected to Revert the container.
func (c *Container) Commit(e Effect) error {
	if err := e.Apply(c.st); err != nil {
		return fmt.Errorf("commit %s: %w", e.Kind(), err)
	}
	c.committed = append(c.committed, e)
	return nil
}

// Revert undoes every committed effect in reverse order. A revert failure
// means the ledger can no longer be trusted; the caller must escalate it to
// the node state manager rather than continue.
func (c *Container) Revert() error {
	for i := len(c.committed) - 1; i >= 0; i-- {
		e := c.committed[i]
		if err := e.Revert(c.st); err != nil {
			return fmt.Errorf("revert %s at position %d: %w", e.Kind(), i, err)
		}
	}
	c.committed = nil
	return nil
}

// Effects returns the committed effects in commit order.
func (c *Container) Effects() []Effect {
	return c.committed
}

// Len returns the number of committed effects.
func (c *Container) Len() int {
	return len(c.committed)
}
