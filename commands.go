package resilient

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/to6ka/go-resilient-redis/codec"
)

// Executor sends one command and applies the retry policy of the client.
type Executor interface {
	Do(name string, args ...interface{}) (*Response, error)
}

// Commands implements the usual commands on top of an Executor. Every
// client of this module embeds it.
type Commands struct {
	exec Executor
}

func NewCommands(exec Executor) Commands {
	return Commands{exec: exec}
}

func argValue(v interface{}) interface{} {
	switch v := v.(type) {
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case time.Duration:
		return strconv.FormatInt(int64(v/time.Millisecond), 10)
	}
	return v
}

func keysToArgs(keys []string) []interface{} {
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}

// Ping sends PING through the retry policy.
func (c Commands) Ping() error {
	_, err := c.exec.Do("PING")
	return err
}

// Echo returns msg as echoed by the server.
func (c Commands) Echo(msg string) (string, error) {
	resp, err := c.exec.Do("ECHO", msg)
	if err != nil {
		return "", err
	}
	return resp.Text()
}

// Set stores value at key.
func (c Commands) Set(key string, value interface{}) error {
	_, err := c.exec.Do("SET", key, argValue(value))
	return err
}

// SetEx stores value at key with a time to live.
func (c Commands) SetEx(key string, value interface{}, ttl time.Duration) error {
	_, err := c.exec.Do("SET", key, argValue(value), "PX", int64(ttl/time.Millisecond))
	return err
}

// Get returns the string stored at key. A missing key is an ErrNil error.
func (c Commands) Get(key string) (string, error) {
	resp, err := c.exec.Do("GET", key)
	if err != nil {
		return "", err
	}
	return resp.Text()
}

// GetInt64 returns the integer stored at key.
func (c Commands) GetInt64(key string) (int64, error) {
	resp, err := c.exec.Do("GET", key)
	if err != nil {
		return 0, err
	}
	return resp.Int64()
}

// GetDecimal returns the number stored at key as a decimal.
func (c Commands) GetDecimal(key string) (decimal.Decimal, error) {
	resp, err := c.exec.Do("GET", key)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return resp.Decimal()
}

// SetTyped stores value at key encoded with msgpack.
func (c Commands) SetTyped(key string, value interface{}) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.exec.Do("SET", key, data)
	return err
}

// GetTyped decodes the msgpack value stored at key into result.
func (c Commands) GetTyped(key string, result interface{}) error {
	resp, err := c.exec.Do("GET", key)
	if err != nil {
		return err
	}
	data, err := resp.Bytes()
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, result)
}

// Del removes keys and returns how many existed.
func (c Commands) Del(keys ...string) (int64, error) {
	resp, err := c.exec.Do("DEL", keysToArgs(keys)...)
	if err != nil {
		return 0, err
	}
	return resp.Int64()
}

// Exists reports whether key exists.
func (c Commands) Exists(key string) (bool, error) {
	resp, err := c.exec.Do("EXISTS", key)
	if err != nil {
		return false, err
	}
	return resp.Bool()
}

// Expire sets a time to live on key.
func (c Commands) Expire(key string, ttl time.Duration) (bool, error) {
	resp, err := c.exec.Do("PEXPIRE", key, int64(ttl/time.Millisecond))
	if err != nil {
		return false, err
	}
	return resp.Bool()
}

// Incr increments the integer at key by one.
func (c Commands) Incr(key string) (int64, error) {
	return c.IncrBy(key, 1)
}

// IncrBy increments the integer at key by n.
func (c Commands) IncrBy(key string, n int64) (int64, error) {
	resp, err := c.exec.Do("INCRBY", key, n)
	if err != nil {
		return 0, err
	}
	return resp.Int64()
}

// Keys returns the keys matching pattern.
func (c Commands) Keys(pattern string) ([]string, error) {
	resp, err := c.exec.Do("KEYS", pattern)
	if err != nil {
		return nil, err
	}
	return resp.Strings()
}

// HSet sets field of the hash at key.
func (c Commands) HSet(key, field string, value interface{}) error {
	_, err := c.exec.Do("HSET", key, field, argValue(value))
	return err
}

// HGet returns field of the hash at key.
func (c Commands) HGet(key, field string) (string, error) {
	resp, err := c.exec.Do("HGET", key, field)
	if err != nil {
		return "", err
	}
	return resp.Text()
}

// HGetAll returns the whole hash at key.
func (c Commands) HGetAll(key string) (map[string]string, error) {
	resp, err := c.exec.Do("HGETALL", key)
	if err != nil {
		return nil, err
	}
	return resp.StringMap()
}

// HDel removes fields from the hash at key.
func (c Commands) HDel(key string, fields ...string) (int64, error) {
	args := append([]interface{}{key}, keysToArgs(fields)...)
	resp, err := c.exec.Do("HDEL", args...)
	if err != nil {
		return 0, err
	}
	return resp.Int64()
}

// Publish sends message to channel and returns the number of receivers.
func (c Commands) Publish(channel string, message interface{}) (int64, error) {
	resp, err := c.exec.Do("PUBLISH", channel, argValue(message))
	if err != nil {
		return 0, err
	}
	return resp.Int64()
}
