package wal

import "sync"

// pool.go reuses byte buffers across reads to keep replay's allocation
// rate flat regardless of log size.

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 8192)
		return &buf
	},
}

// AcquireBuffer obtains a pooled byte buffer.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns a buffer to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
