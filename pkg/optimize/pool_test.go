package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1500)

	buf := pool.Get()
	assert.Len(t, *buf, 1500)

	*buf = (*buf)[:10]
	pool.Put(buf)
	again := pool.Get()
	assert.Len(t, *again, 1500, "resliced back to full size")

	small := make([]byte, 10)
	pool.Put(&small)
	pool.Put(nil)
	assert.Equal(t, 1500, pool.Size())
}

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(1500)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		(*buf)[0] = byte(i)
		pool.Put(buf)
	}
}
