package sentinel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	resilient "github.com/to6ka/go-resilient-redis"
)

// Resolver asks sentinels for the address of the master of a service.
// Connections to sentinels are kept between resolutions.
type Resolver struct {
	sentinels []resilient.Address
	slots     []*resilient.Slot
	master    resilient.Address
	opts      resilient.Opts
}

// NewResolver returns a Resolver querying sentinels in order. Resolved
// addresses carry the scheme, credentials and db of master.
func NewResolver(sentinels []resilient.Address, master resilient.Address, opts resilient.Opts) *Resolver {
	r := &Resolver{
		sentinels: sentinels,
		slots:     make([]*resilient.Slot, len(sentinels)),
		master:    master,
		opts:      opts,
	}
	for i := range sentinels {
		r.slots[i] = resilient.NewSlot(opts)
	}
	return r
}

// Resolve returns the current master address of the service masterName.
// The first sentinel to give a well formed answer wins, the next ones are
// not asked. Each sentinel gets at most one command per call. If no
// sentinel answers, an ErrResolutionFailed error is returned.
func (r *Resolver) Resolve(masterName string) (resilient.Address, error) {
	var errs error
	for i, addr := range r.sentinels {
		master, err := r.query(i, masterName)
		if err == nil {
			return master, nil
		}
		r.opts.Logger.Warnf("sentinel %s: %s", addr.Redacted(), err)
		errs = multierror.Append(errs, err)
	}

	return resilient.Address{}, resilient.ClientError{
		Code: resilient.ErrResolutionFailed,
		Msg:  fmt.Sprintf("no sentinel resolved master %q", masterName),
		Err:  errs,
	}
}

// query asks the i-th sentinel once. A connection that fails to carry
// the command is dropped and reopened on the next pass.
func (r *Resolver) query(i int, masterName string) (resilient.Address, error) {
	addr, slot := r.sentinels[i], r.slots[i]

	h, err := slot.Acquire(func() (*resilient.Handle, error) {
		return resilient.Dial(addr, r.opts)
	})
	if err != nil {
		return resilient.Address{}, err
	}

	data, err := h.Do("SENTINEL", "get-master-addr-by-name", masterName)
	if err != nil {
		if resilient.IsReplyError(err) {
			return resilient.Address{}, resilient.NewClientError(resilient.ErrCommandFailed, addr, err)
		}
		slot.Drop(h)
		return resilient.Address{}, resilient.NewClientError(resilient.ErrUnreachable, addr, err)
	}

	host, port, err := parseMasterReply(data)
	if err != nil {
		return resilient.Address{}, fmt.Errorf("malformed reply for %q: %w", masterName, err)
	}

	master := resilient.Address{Scheme: r.master.Scheme, Host: host, Port: port}
	if master.Scheme == "" {
		master.Scheme = resilient.SchemeRedis
	}
	return master.WithCredentials(r.master), nil
}

// parseMasterReply accepts the [host, port] array reply, or a single
// "host port" string.
func parseMasterReply(reply interface{}) (string, int, error) {
	var parts []string

	switch v := reply.(type) {
	case nil:
		return "", 0, fmt.Errorf("unknown master")
	case []interface{}:
		for _, item := range v {
			switch item := item.(type) {
			case string:
				parts = append(parts, item)
			case []byte:
				parts = append(parts, string(item))
			default:
				return "", 0, fmt.Errorf("unexpected element %T", item)
			}
		}
	case []string:
		parts = v
	case string:
		parts = strings.Fields(v)
	default:
		return "", 0, fmt.Errorf("unexpected reply %T", reply)
	}

	if len(parts) != 2 {
		return "", 0, fmt.Errorf("expected host and port, got %d elements", len(parts))
	}
	host := strings.TrimSpace(parts[0])
	if host == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", parts[1])
	}
	return host, port, nil
}

// Close closes the connections to the sentinels.
func (r *Resolver) Close() error {
	for _, slot := range r.slots {
		slot.Close()
	}
	return nil
}
