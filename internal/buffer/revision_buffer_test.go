package buffer

import (
	"sync"
	"testing"
	"time"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

func revs(msgs []v1.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Revision)
	}
	return out
}

func TestRevisionBuffer_Lifecycle(t *testing.T) {
	buf := NewRevisionBuffer(3)

	msgs, ok := buf.GetSince(0, nil)
	assert.True(t, ok)
	assert.Empty(t, msgs)
	assert.Equal(t, int64(0), buf.Latest())

	buf.AddMessage(v1.Message{Revision: 1})
	buf.AddMessage(v1.Message{Revision: 2})
	buf.AddMessage(v1.Message{Revision: 3})

	// a subscriber at 0 has seen nothing and revision 1 is still here
	msgs, ok = buf.GetSince(0, nil)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, revs(msgs))

	// wrap around: [2, 3, 4]
	buf.AddMessage(v1.Message{Revision: 4})
	assert.Equal(t, int64(4), buf.Latest())

	_, ok = buf.GetSince(0, nil)
	assert.False(t, ok, "revision 1 was evicted")

	msgs, ok = buf.GetSince(2, nil)
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, revs(msgs))

	msgs, ok = buf.GetSince(4, nil)
	assert.True(t, ok)
	assert.Empty(t, msgs)
}

func TestRevisionBuffer_Filter(t *testing.T) {
	buf := NewRevisionBuffer(10)
	buf.AddMessage(v1.Message{Revision: 1, Namespace: "web"})
	buf.AddMessage(v1.Message{Revision: 2, Namespace: "api"})
	buf.AddMessage(v1.Message{Revision: 3, Namespace: "web"})

	msgs, ok := buf.GetSince(0, func(m v1.Message) bool { return m.Namespace == "web" })
	require.True(t, ok)
	assert.Equal(t, []int64{1, 3}, revs(msgs))
}

func TestRevisionBuffer_Concurrency(t *testing.T) {
	buf := NewRevisionBuffer(1000)
	done := make(chan struct{})

	go func() {
		for i := 1; i <= 5000; i++ {
			buf.AddMessage(v1.Message{Revision: int64(i)})
			time.Sleep(2 * time.Microsecond)
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastRev int64
			timeout := time.After(5 * time.Second)
			for {
				select {
				case <-done:
					return
				case <-timeout:
					t.Error("test timed out")
					return
				default:
					msgs, ok := buf.GetSince(lastRev, nil)
					if !ok {
						// resync: jump to the head
						lastRev = buf.Latest()
						continue
					}
					for _, m := range msgs {
						if m.Revision <= lastRev {
							t.Errorf("revision %d not after %d", m.Revision, lastRev)
							return
						}
						lastRev = m.Revision
					}
				}
			}
		}()
	}
	wg.Wait()
}
