package resilient

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/redis/go-redis/v9"
)

type goRedisTransport struct{}

// GoRedisTransport returns the default Transport. Each Conn is a go-redis
// client limited to a single socket, so that commands sent on one Conn are
// processed in order, and with go-redis retries disabled.
func GoRedisTransport() Transport {
	return goRedisTransport{}
}

func (goRedisTransport) Open(ctx context.Context, addr Address) (Conn, error) {
	opts := &redis.Options{
		Addr:     addr.HostPort(),
		Username: addr.Username,
		Password: addr.Password,
		DB:       addr.DB,
		Protocol: 2,

		MaxRetries:            -1,
		PoolSize:              1,
		ContextTimeoutEnabled: true,
		DisableIdentity:       true,
	}
	if addr.Scheme == SchemeTLS {
		opts.TLSConfig = &tls.Config{ServerName: addr.Host, MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	// go-redis dials lazily, force the handshake (AUTH, SELECT) now.
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &goRedisConn{client: client}, nil
}

type goRedisConn struct {
	client *redis.Client
}

func (c *goRedisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *goRedisConn) Do(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	cmdArgs := make([]interface{}, 0, len(args)+1)
	cmdArgs = append(cmdArgs, name)
	cmdArgs = append(cmdArgs, args...)

	res, err := c.client.Do(ctx, cmdArgs...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return nil, ReplyError{Msg: rerr.Error()}
	}
	return res, err
}

func (c *goRedisConn) Close() error {
	return c.client.Close()
}
