package kvserver

import (
	"errors"
	"math"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrNotInteger = errors.New("ERR value is not an integer or out of range")

// Store is the keyspace shared by every connection and event loop.
type Store struct {
	data *xsync.MapOf[string, []byte]
}

func NewStore() *Store {
	return &Store{data: xsync.NewMapOf[string, []byte]()}
}

func (s *Store) Get(key string) ([]byte, bool) {
	return s.data.Load(key)
}

// Set stores a private copy of value.
func (s *Store) Set(key string, value []byte) {
	s.data.Store(key, append(make([]byte, 0, len(value)), value...))
}

// Del removes keys and returns how many existed.
func (s *Store) Del(keys ...string) int64 {
	var removed int64
	for _, key := range keys {
		if _, ok := s.data.LoadAndDelete(key); ok {
			removed++
		}
	}
	return removed
}

// Incr adds one to the decimal integer at key, treating a missing key as 0.
func (s *Store) Incr(key string) (int64, error) {
	var (
		next int64
		err  error
	)
	s.data.Compute(key, func(old []byte, loaded bool) ([]byte, bool) {
		var cur int64
		if loaded {
			cur, err = strconv.ParseInt(string(old), 10, 64)
			if err != nil || cur == math.MaxInt64 {
				err = ErrNotInteger
				return old, false
			}
		}
		next = cur + 1
		return strconv.AppendInt(nil, next, 10), false
	})
	return next, err
}

func (s *Store) Len() int {
	return s.data.Size()
}
