package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

type MockObserver struct{}

func (m *MockObserver) IncOnline()                          {}
func (m *MockObserver) DecOnline()                          {}
func (m *MockObserver) RecordPush()                         {}
func (m *MockObserver) ObservePushLatency(duration float64) {}
func (m *MockObserver) UpdateEventLag(lag int)              {}

func TestHub_Concurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(&MockObserver{}, 100*time.Millisecond, 512)
	go hub.Run(ctx)

	var wg sync.WaitGroup
	clientCount := 50
	msgCount := 200

	clients := make([]*Client, clientCount)

	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := &Client{
				Send:       make(chan v1.Message, 50),
				Namespaces: map[string]bool{"default": true},
			}
			clients[idx] = c
			hub.Subscribe(c)
		}(i)
	}
	wg.Wait()

	broadcastDone := make(chan struct{})

	go func() {
		for i := 0; i < msgCount; i++ {
			hub.Publish(v1.Message{
				Kind:      constraints.KindFlag,
				Key:       "test-key",
				Namespace: "default",
				Revision:  int64(i),
			})
			// let unsubscribes interleave
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(broadcastDone)
	}()

	go func() {
		for i := 0; i < clientCount/2; i++ {
			time.Sleep(2 * time.Millisecond)
			hub.Unsubscribe(clients[i])
		}
	}()

	var readWg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		readWg.Add(1)
		go func(c *Client) {
			defer readWg.Done()
			timeout := time.After(3 * time.Second)
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return
					}
				case <-broadcastDone:
					for {
						select {
						case _, ok := <-c.Send:
							if !ok {
								return
							}
						default:
							return
						}
					}
				case <-timeout:
					return
				}
			}
		}(clients[i])
	}

	readWg.Wait()
}

func TestHub_FiltersByNamespace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, time.Hour, 8)
	go hub.Run(ctx)

	web := &Client{Send: make(chan v1.Message, 4), Namespaces: map[string]bool{"web": true}}
	all := &Client{Send: make(chan v1.Message, 4), Namespaces: map[string]bool{"*": true}}
	require.True(t, hub.Subscribe(web))
	require.True(t, hub.Subscribe(all))

	hub.Publish(v1.Message{Namespace: "mobile", Key: "a", Revision: 1})
	hub.Publish(v1.Message{Namespace: "web", Key: "b", Revision: 2})

	got := <-web.Send
	assert.Equal(t, "b", got.Key)
	assert.Equal(t, "a", (<-all.Send).Key)
	assert.Equal(t, "b", (<-all.Send).Key)
}

type countingObserver struct {
	MockObserver
	dropped atomic.Int32
}

func (o *countingObserver) DecOnline() { o.dropped.Add(1) }

func TestHub_DropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &countingObserver{}
	hub := NewHub(obs, time.Hour, 8)
	go hub.Run(ctx)

	slow := &Client{Send: make(chan v1.Message, 1), Namespaces: map[string]bool{"*": true}}
	require.True(t, hub.Subscribe(slow))
	hub.Publish(v1.Message{Namespace: "web", Revision: 1})
	hub.Publish(v1.Message{Namespace: "web", Revision: 2})

	require.Eventually(t, func() bool { return obs.dropped.Load() == 1 }, time.Second, 5*time.Millisecond)
	msg, ok := <-slow.Send
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.Revision)
	_, ok = <-slow.Send
	assert.False(t, ok)
}

func TestHub_StoppedHubRejectsSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, time.Hour, 1)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	assert.False(t, hub.Subscribe(&Client{Send: make(chan v1.Message, 1)}))
	hub.Publish(v1.Message{})
}
