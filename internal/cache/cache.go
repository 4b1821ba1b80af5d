package cache

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Brownie44l1/vertebra-api/internal/model"
)

// Results remembers encoded masks by upload content and normalized options.
// A nil *Results is a valid, always-empty cache.
type Results struct {
	lru *lru.Cache[uint64, string]
}

// New returns nil when size is not positive.
func New(size int) (*Results, error) {
	if size <= 0 {
		return nil, nil
	}
	c, err := lru.New[uint64, string](size)
	if err != nil {
		return nil, err
	}
	return &Results{lru: c}, nil
}

// Key hashes the upload bytes together with the options that change the
// output. opts must already be normalized.
func Key(data []byte, opts model.Options) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data)

	var tail [10]byte
	if opts.Threshold != nil {
		tail[0] = 1
		binary.LittleEndian.PutUint64(tail[1:9], math.Float64bits(*opts.Threshold))
	}
	if opts.SourceSize != nil && *opts.SourceSize {
		tail[9] = 1
	}
	_, _ = d.Write(tail[:])
	return d.Sum64()
}

func (r *Results) Get(key uint64) (string, bool) {
	if r == nil {
		return "", false
	}
	return r.lru.Get(key)
}

func (r *Results) Add(key uint64, uri string) {
	if r == nil {
		return
	}
	r.lru.Add(key, uri)
}

func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return r.lru.Len()
}
