package connection_pool

import (
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	resilient "github.com/to6ka/go-resilient-redis"
)

// dialFunc opens and probes the node at index i.
type dialFunc func(i int) (*resilient.Handle, error)

// Strategy picks a live node among nodes. It returns the index of the
// selected node with its opened handle, or an ErrNoLiveNode error when
// every candidate failed during the pass.
type Strategy interface {
	Select(nodes []*Node, dial dialFunc) (int, *resilient.Handle, error)
}

type RoundRobinStrategy struct {
	current uint64
}

func NewRoundRobin() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// Cursor returns the index the next pass starts from.
func (r *RoundRobinStrategy) Cursor() uint64 {
	return atomic.LoadUint64(&r.current)
}

func (r *RoundRobinStrategy) Select(nodes []*Node, dial dialFunc) (int, *resilient.Handle, error) {
	size := uint64(len(nodes))
	if size == 0 {
		return -1, nil, resilient.NewClientError(resilient.ErrNoLiveNode, resilient.Address{}, nil)
	}

	var errs error
	start := atomic.LoadUint64(&r.current) % size
	for i := uint64(0); i < size; i++ {
		idx := int((start + i) % size)
		h, err := dial(idx)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		atomic.StoreUint64(&r.current, uint64(idx+1)%size)
		return idx, h, nil
	}

	return -1, nil, resilient.NewClientError(resilient.ErrNoLiveNode, resilient.Address{}, errs)
}
