package writer

import (
	"fmt"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
)

// Chain is a serial stage sequence: a written result of one stage enqueues
// the next stage for the same job
type Chain []queue.Stage

// DefaultChain is the serial order used when chaining is enabled without an
// explicit sequence
func DefaultChain() Chain {
	return Chain{queue.Segmentation, queue.MetadataExtraction, queue.PointExtraction, queue.GeoReferencing}
}

// ParseChain parses stage names. An empty list disables chaining and the
// single name "default" selects DefaultChain.
func ParseChain(names []string) (Chain, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if len(names) == 1 && names[0] == "default" {
		return DefaultChain(), nil
	}
	stages, err := queue.ParseStages(names)
	if err != nil {
		return nil, fmt.Errorf("invalid chain: %w", err)
	}
	return Chain(stages), nil
}

// Next returns the stage after s, or false at the end of the chain or when s
// is not part of it
func (c Chain) Next(s queue.Stage) (queue.Stage, bool) {
	for i, stage := range c {
		if stage == s && i+1 < len(c) {
			return c[i+1], true
		}
	}
	return queue.StageUnknown, false
}
