package connection_pool

import (
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	resilient "github.com/to6ka/go-resilient-redis"
)

type LowestLatencyStrategy struct {
	// Parallel limits the number of concurrent probes, 0 means no limit.
	Parallel int
}

func NewLowestLatency(parallel int) *LowestLatencyStrategy {
	return &LowestLatencyStrategy{Parallel: parallel}
}

// collect dials every node concurrently.
func (l *LowestLatencyStrategy) collect(nodes []*Node, dial dialFunc) ([]*resilient.Handle, []error) {
	handles := make([]*resilient.Handle, len(nodes))
	errs := make([]error, len(nodes))

	var g errgroup.Group
	if l.Parallel > 0 {
		g.SetLimit(l.Parallel)
	}
	for i := range nodes {
		i := i
		g.Go(func() error {
			handles[i], errs[i] = dial(i)
			return nil
		})
	}
	g.Wait()

	return handles, errs
}

func (l *LowestLatencyStrategy) Select(nodes []*Node, dial dialFunc) (int, *resilient.Handle, error) {
	handles, errs := l.collect(nodes, dial)

	best := -1
	for i, h := range handles {
		if h == nil {
			continue
		}
		if best < 0 || h.Latency < handles[best].Latency {
			best = i
		}
	}

	for i, h := range handles {
		if h != nil && i != best {
			h.Shutdown(false)
		}
	}

	if best < 0 {
		var merr error
		for _, err := range errs {
			if err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return -1, nil, resilient.NewClientError(resilient.ErrNoLiveNode, resilient.Address{}, merr)
	}
	return best, handles[best], nil
}
