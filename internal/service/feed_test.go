package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func flagMsg(ns, key string, version, rev int64) v1.Message {
	cfg := baseFlag(0)
	cfg.Namespace, cfg.Key, cfg.Version = ns, key, version
	return v1.Message{Kind: constraints.KindFlag, Namespace: ns, Key: key, Version: version, Revision: rev, Action: constraints.PUT, Flag: cfg}
}

func TestFeed_ApplyAndResume(t *testing.T) {
	feed := NewFeed(nil, 16)
	feed.Apply(flagMsg("web", "a", 1, 0))
	feed.Apply(flagMsg("api", "b", 1, 0))
	feed.Apply(flagMsg("web", "a", 2, 0))

	assert.Equal(t, int64(3), feed.Cache().Revision())
	assert.Equal(t, int64(2), feed.Cache().Flag("web", "a").Version)

	msgs, ok := feed.Since(1, map[string]bool{"web": true})
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(3), msgs[0].Revision)

	// replays at or below the current revision are ignored
	feed.Apply(flagMsg("web", "a", 1, 2))
	assert.Equal(t, int64(2), feed.Cache().Flag("web", "a").Version)

	snap := feed.Snapshot(map[string]bool{"api": true})
	require.Len(t, snap.Flags, 1)
	assert.Equal(t, "b", snap.Flags[0].Key)
	assert.Equal(t, int64(3), snap.Revision)
}

func TestFeed_OverrideMessages(t *testing.T) {
	feed := NewFeed(nil, 16)
	entry := v1.OverrideEntry{Namespace: "web", Flag: "a", Scope: v1.UserScope("u1"), Value: v1.Bool(true)}
	feed.Apply(v1.Message{Kind: constraints.KindOverride, Namespace: "web", Key: "a", Action: constraints.PUT, Override: &entry})
	assert.Len(t, feed.Cache().Overrides("web", "a"), 1)

	feed.Apply(v1.Message{Kind: constraints.KindOverride, Namespace: "web", Key: "a", Action: constraints.DELETE,
		Override: &v1.OverrideEntry{Namespace: "web", Flag: "a", Scope: v1.UserScope("u1")}})
	assert.Empty(t, feed.Cache().Overrides("web", "a"))
}

func TestFeed_PublishesToHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, time.Hour, 8)
	go hub.Run(ctx)
	feed := NewFeed(hub, 8)

	c := &Client{Send: make(chan v1.Message, 4), Namespaces: map[string]bool{"web": true}}
	require.True(t, hub.Subscribe(c))
	feed.Apply(flagMsg("web", "a", 1, 0))
	msg := <-c.Send
	assert.Equal(t, int64(1), msg.Revision)
}

type memMirror struct {
	flags     []*v1.FlagConfig
	overrides []v1.OverrideEntry
	published []v1.Message
}

func (m *memMirror) Load(context.Context) ([]*v1.FlagConfig, []v1.OverrideEntry, int64, error) {
	return m.flags, m.overrides, 1, nil
}

func (m *memMirror) Publish(_ context.Context, msg v1.Message) (int64, error) {
	m.published = append(m.published, msg)
	return 1, nil
}

func TestReconciler_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	current := baseFlag(10)
	current.Version = 3
	require.NoError(t, f.store.PutFlag(ctx, current))
	other := baseFlag(0)
	other.Key = "in.sync"
	require.NoError(t, f.store.PutFlag(ctx, other))
	require.NoError(t, f.store.PutOverride(ctx, v1.OverrideEntry{Namespace: testNS, Flag: testKey, Scope: v1.GlobalScope(), Value: v1.Bool(true)}))

	stale := baseFlag(0)
	stale.Version = 2
	orphan := baseFlag(0)
	orphan.Key = "orphan"
	mirror := &memMirror{
		flags:     []*v1.FlagConfig{stale, other, orphan},
		overrides: []v1.OverrideEntry{{Namespace: testNS, Flag: testKey, Scope: v1.UserScope("gone"), Value: v1.Bool(true)}},
	}

	r := NewReconciler(f.store, mirror, lock.NewMemory(), time.Hour)
	rep, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FixedFlags)
	assert.Equal(t, 1, rep.FixedOverrides)
	assert.Equal(t, 1, rep.RemovedOverrides)
	assert.Equal(t, 1, rep.Orphans)

	var actions []string
	for _, m := range mirror.published {
		actions = append(actions, string(m.Kind)+":"+m.Key)
	}
	assert.Contains(t, actions, "flag:"+testKey)
	assert.NotContains(t, actions, "flag:in.sync")
}

type chanSource struct {
	loads atomic.Int32
	ch    chan clientv3.WatchResponse
	flags []*v1.FlagConfig
}

func (s *chanSource) Load(context.Context) ([]*v1.FlagConfig, []v1.OverrideEntry, int64, error) {
	s.loads.Add(1)
	return s.flags, nil, 10, nil
}

func (s *chanSource) WatchFrom(_ context.Context, prefix string, startRev int64) clientv3.WatchChan {
	return s.ch
}

func TestWatcher_AppliesEventsAndResyncs(t *testing.T) {
	src := &chanSource{ch: make(chan clientv3.WatchResponse, 4), flags: []*v1.FlagConfig{baseFlag(0)}}
	feed := NewFeed(nil, 16)
	w := NewWatcher(src, feed)
	w.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return feed.Cache().Flag(testNS, testKey) != nil }, time.Second, 5*time.Millisecond)

	next := baseFlag(5)
	next.Version = 2
	src.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(repository.BuildFlagKey(testNS, testKey)), Value: []byte(next.ToJSON()), ModRevision: 11}},
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("/rollgate/bogus"), Value: []byte("{}"), ModRevision: 12}},
	}}
	require.Eventually(t, func() bool { return feed.Cache().Flag(testNS, testKey).Version == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11), feed.Cache().Revision())

	src.ch <- clientv3.WatchResponse{Canceled: true}
	require.Eventually(t, func() bool { return src.loads.Load() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
