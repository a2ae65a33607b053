package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process Store. SetFault lets tests fail individual
// operations.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
	faults  map[string]error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]map[string]memoryObject),
		faults:  make(map[string]error),
	}
}

func faultKey(op, bucket, key string) string {
	return op + " " + bucket + "/" + key
}

// SetFault makes op ("put", "get", "copy", "delete") on bucket/key fail with
// err. For copy the bucket is the destination. A nil err clears the fault.
func (m *Memory) SetFault(op, bucket, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, faultKey(op, bucket, key))
		return
	}
	m.faults[faultKey(op, bucket, key)] = err
}

func (m *Memory) fault(op, bucket, key string) error {
	return m.faults[faultKey(op, bucket, key)]
}

func (m *Memory) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("put", bucket, key); err != nil {
		return err
	}
	objects, ok := m.buckets[bucket]
	if !ok {
		objects = make(map[string]memoryObject)
		m.buckets[bucket] = objects
	}
	objects[key] = memoryObject{data: bytes.Clone(data), contentType: contentType}
	return nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fault("get", bucket, key); err != nil {
		return Object{}, err
	}
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
	}, nil
}

func (m *Memory) Copy(ctx context.Context, srcBucket, dstBucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("copy", dstBucket, key); err != nil {
		return err
	}
	obj, ok := m.buckets[srcBucket][key]
	if !ok {
		return ErrNotFound
	}
	objects, ok := m.buckets[dstBucket]
	if !ok {
		objects = make(map[string]memoryObject)
		m.buckets[dstBucket] = objects
	}
	objects[key] = memoryObject{data: bytes.Clone(obj.data), contentType: obj.contentType}
	return nil
}

func (m *Memory) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("delete", bucket, key); err != nil {
		return err
	}
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) EnsureBuckets(ctx context.Context, buckets ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bucket := range buckets {
		if _, ok := m.buckets[bucket]; !ok {
			m.buckets[bucket] = make(map[string]memoryObject)
		}
	}
	return nil
}

// Keys lists the keys stored in bucket in lexical order.
func (m *Memory) Keys(bucket string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for key := range m.buckets[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Bytes returns a copy of the stored object, or nil when absent.
func (m *Memory) Bytes(bucket, key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil
	}
	return bytes.Clone(obj.data)
}

var _ Store = (*Memory)(nil)
