package resilient

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPort is used when an address string has no port.
	DefaultPort = 6379

	SchemeRedis = "redis"
	SchemeTLS   = "rediss"
)

// Address identifies one Redis endpoint. It is a comparable value and must
// be treated as immutable once built.
type Address struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// ParseAddress parses a connection string of the form
// scheme://[[user]:password@]host[:port][/db].
func ParseAddress(s string) (Address, error) {
	var addr Address

	u, err := url.Parse(s)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}

	switch u.Scheme {
	case SchemeRedis, SchemeTLS:
		addr.Scheme = u.Scheme
	default:
		return addr, fmt.Errorf("invalid address %q: unsupported scheme %q", s, u.Scheme)
	}

	addr.Host = u.Hostname()
	if addr.Host == "" {
		return addr, fmt.Errorf("invalid address %q: empty host", s)
	}

	addr.Port = DefaultPort
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return addr, fmt.Errorf("invalid address %q: bad port %q", s, p)
		}
		addr.Port = port
	}

	if u.User != nil {
		addr.Username = u.User.Username()
		addr.Password, _ = u.User.Password()
	}

	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return addr, fmt.Errorf("invalid address %q: bad db index %q", s, db)
		}
		addr.DB = n
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return addr, fmt.Errorf("invalid address %q: query and fragment are not supported", s)
	}

	return addr, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// It is meant for constants in tests and examples.
func MustParseAddress(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// ParseAddresses parses every string of addrs, failing on the first bad one.
func ParseAddresses(addrs []string) ([]Address, error) {
	res := make([]Address, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		res = append(res, addr)
	}
	return res, nil
}

// HostPort returns "host:port", suitable for dialing.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String formats the address back to its connection string form.
// The password is included, use Redacted for logs.
func (a Address) String() string {
	return a.format(a.Password)
}

// Redacted is like String but hides the password.
func (a Address) Redacted() string {
	if a.Password == "" {
		return a.String()
	}
	return a.format("xxxxx")
}

func (a Address) format(password string) string {
	u := url.URL{
		Scheme: a.Scheme,
		Host:   a.HostPort(),
		Path:   "/",
	}
	if u.Scheme == "" {
		u.Scheme = SchemeRedis
	}
	if a.DB != 0 {
		u.Path = "/" + strconv.Itoa(a.DB)
	}
	switch {
	case password != "":
		u.User = url.UserPassword(a.Username, password)
	case a.Username != "":
		u.User = url.User(a.Username)
	}
	return u.String()
}

// WithCredentials returns a copy of a carrying the credentials and db of tpl.
func (a Address) WithCredentials(tpl Address) Address {
	a.Username = tpl.Username
	a.Password = tpl.Password
	a.DB = tpl.DB
	return a
}
