// Package clientstate models the browser's storage surfaces: cookies as the
// primary store and a persistent key-value mirror as the fallback.
package clientstate

import (
	"errors"
	"fmt"
	"time"
)

// ErrPartialWrite marks a Mirror write that reached some stores but not all.
var ErrPartialWrite = errors.New("clientstate: write reached only some stores")

// KV is a per-visitor key-value store. Reads never fail; a missing or
// unreadable key is reported as absent.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string, maxAge time.Duration) error
	Delete(key string) error
}

// Mirror writes to every store and reads from the first that has the key.
// A write that some store accepted fails with ErrPartialWrite wrapping the
// other stores' errors; callers treat that as success and log it.
type Mirror []KV

func (m Mirror) Get(key string) (string, bool) {
	for _, kv := range m {
		if kv == nil {
			continue
		}
		if v, ok := kv.Get(key); ok {
			return v, true
		}
	}
	return "", false
}

func (m Mirror) Set(key, value string, maxAge time.Duration) error {
	var errs []error
	ok := 0
	for _, kv := range m {
		if kv == nil {
			continue
		}
		if err := kv.Set(key, value, maxAge); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	return writeResult(ok, errs)
}

func (m Mirror) Delete(key string) error {
	var errs []error
	ok := 0
	for _, kv := range m {
		if kv == nil {
			continue
		}
		if err := kv.Delete(key); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	return writeResult(ok, errs)
}

func writeResult(ok int, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if ok > 0 {
		return fmt.Errorf("%w: %w", ErrPartialWrite, errors.Join(errs...))
	}
	return errors.Join(errs...)
}
