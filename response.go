package resilient

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Response is a reply of the server together with where and how it was
// obtained.
type Response struct {
	// Addr is the address of the node that answered.
	Addr Address
	// Attempts is 1, or 2 if the command was retried after a reconnect.
	Attempts int
	// Data is the raw reply: nil, string, int64, []interface{} or
	// whatever the transport produced.
	Data interface{}
}

// IsNil returns true for a nil reply.
func (resp *Response) IsNil() bool {
	return resp.Data == nil
}

// String implements Stringer interface
func (resp *Response) String() string {
	return fmt.Sprintf("<%s #%d %v>", resp.Addr.Redacted(), resp.Attempts, resp.Data)
}

func (resp *Response) typeError(want string) error {
	return fmt.Errorf("reply is not %s: %T", want, resp.Data)
}

func (resp *Response) nilError() error {
	return NewClientError(ErrNil, resp.Addr, nil)
}

// Text returns the reply as a string. A nil reply is an ErrNil error.
func (resp *Response) Text() (string, error) {
	switch v := resp.Data.(type) {
	case nil:
		return "", resp.nilError()
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", resp.typeError("a string")
}

// Bytes is like Text but returns a byte slice.
func (resp *Response) Bytes() ([]byte, error) {
	if b, ok := resp.Data.([]byte); ok {
		return b, nil
	}
	s, err := resp.Text()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Int64 returns an integer reply, or a string reply parsed as an integer.
func (resp *Response) Int64() (int64, error) {
	switch v := resp.Data.(type) {
	case nil:
		return 0, resp.nilError()
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	}
	return 0, resp.typeError("an integer")
}

// Float64 returns the reply parsed as a float.
func (resp *Response) Float64() (float64, error) {
	switch v := resp.Data.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	s, err := resp.Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// Decimal returns the reply parsed as an arbitrary precision decimal.
func (resp *Response) Decimal() (decimal.Decimal, error) {
	s, err := resp.Text()
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

// Bool converts integer replies (0/1), "OK" status replies and booleans.
func (resp *Response) Bool() (bool, error) {
	switch v := resp.Data.(type) {
	case nil:
		return false, resp.nilError()
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case string:
		if v == "OK" {
			return true, nil
		}
		return strconv.ParseBool(v)
	}
	return false, resp.typeError("a boolean")
}

// Strings returns an array reply of strings. Nil elements become "".
func (resp *Response) Strings() ([]string, error) {
	arr, ok := resp.Data.([]interface{})
	if !ok {
		if resp.Data == nil {
			return nil, nil
		}
		return nil, resp.typeError("an array")
	}

	res := make([]string, len(arr))
	for i, item := range arr {
		if item == nil {
			continue
		}
		s, err := (&Response{Addr: resp.Addr, Data: item}).Text()
		if err != nil {
			return nil, err
		}
		res[i] = s
	}
	return res, nil
}

// StringMap converts a flat field/value array reply (as HGETALL returns
// it) or a map reply into a map.
func (resp *Response) StringMap() (map[string]string, error) {
	if m, ok := resp.Data.(map[interface{}]interface{}); ok {
		res := make(map[string]string, len(m))
		for k, v := range m {
			res[fmt.Sprint(k)] = fmt.Sprint(v)
		}
		return res, nil
	}

	arr, err := resp.Strings()
	if err != nil {
		return nil, err
	}
	if len(arr)%2 != 0 {
		return nil, fmt.Errorf("reply has an odd number of elements: %d", len(arr))
	}
	res := make(map[string]string, len(arr)/2)
	for i := 0; i < len(arr); i += 2 {
		res[arr[i]] = arr[i+1]
	}
	return res, nil
}
