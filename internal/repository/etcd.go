package repository

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// RootPrefix holds the etcd mirror of every flag and override:
//
//	/rollgate/flags/{namespace}/{key}
//	/rollgate/overrides/{namespace}/{flag}/{scope}
const RootPrefix = "/rollgate/"

var ErrMaxRetries = errors.New("max retries exceeded for SaveFlagIfNewer")

type EtcdInterface interface {
	clientv3.KV
	clientv3.Watcher
	Close() error
}

// EtcdFlagRepository publishes committed changes to etcd, where every server
// instance watches them.
type EtcdFlagRepository struct {
	client EtcdInterface
}

func NewEtcdFlagRepository(client EtcdInterface) *EtcdFlagRepository {
	return &EtcdFlagRepository{client: client}
}

func BuildFlagKey(namespace, key string) string {
	return RootPrefix + "flags/" + namespace + "/" + key
}

func BuildOverrideKey(namespace, flag string, scope v1.OverrideScope) string {
	return RootPrefix + "overrides/" + namespace + "/" + flag + "/" + url.PathEscape(scope.String())
}

func (r *EtcdFlagRepository) GetFlag(ctx context.Context, namespace, key string) (*v1.FlagConfig, int64, error) {
	resp, err := r.client.Get(ctx, BuildFlagKey(namespace, key))
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	var f v1.FlagConfig
	if err := json.Unmarshal(resp.Kvs[0].Value, &f); err != nil {
		return nil, 0, err
	}
	return &f, resp.Kvs[0].ModRevision, nil
}

// SaveFlagIfNewer stores cfg only if etcd holds no newer or equal Version,
// using the read ModRevision as a CAS guard. Replays are therefore no-ops.
func (r *EtcdFlagRepository) SaveFlagIfNewer(ctx context.Context, cfg *v1.FlagConfig) (int64, error) {
	const maxRetries = 3
	key := BuildFlagKey(cfg.Namespace, cfg.Key)
	val := cfg.ToJSON()

	for retries := 0; ; retries++ {
		if retries > maxRetries {
			return 0, ErrMaxRetries
		}
		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return 0, err
		}

		cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			var current v1.FlagConfig
			if err := json.Unmarshal(kv.Value, &current); err != nil {
				return 0, err
			}
			if current.Version >= cfg.Version {
				return kv.ModRevision, nil
			}
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
		}

		tResp, err := r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, val)).Commit()
		if err != nil {
			return 0, err
		}
		if tResp.Succeeded {
			return tResp.Header.Revision, nil
		}
		// lost the race, read again
	}
}

func (r *EtcdFlagRepository) PutOverride(ctx context.Context, entry v1.OverrideEntry) (int64, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Put(ctx, BuildOverrideKey(entry.Namespace, entry.Flag, entry.Scope), string(b))
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}

func (r *EtcdFlagRepository) DeleteOverride(ctx context.Context, namespace, flag string, scope v1.OverrideScope) (int64, error) {
	resp, err := r.client.Delete(ctx, BuildOverrideKey(namespace, flag, scope))
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}

// Publish mirrors one change message.
func (r *EtcdFlagRepository) Publish(ctx context.Context, msg v1.Message) (int64, error) {
	switch {
	case msg.Kind == constraints.KindFlag && msg.Flag != nil:
		return r.SaveFlagIfNewer(ctx, msg.Flag)
	case msg.Kind == constraints.KindOverride && msg.Override != nil && msg.Action == constraints.PUT:
		return r.PutOverride(ctx, *msg.Override)
	case msg.Kind == constraints.KindOverride && msg.Override != nil:
		return r.DeleteOverride(ctx, msg.Namespace, msg.Key, msg.Override.Scope)
	}
	return 0, errors.New("unpublishable message: " + msg.ToJSON())
}

func (r *EtcdFlagRepository) GetWithRevision(ctx context.Context, prefix string) (*clientv3.GetResponse, error) {
	return r.client.Get(ctx, prefix, clientv3.WithPrefix())
}

func (r *EtcdFlagRepository) WatchFrom(ctx context.Context, prefix string, startRev int64) clientv3.WatchChan {
	return r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(startRev))
}

// Load reads every mirrored flag and override along with the store revision
// they were read at. Undecodable keys are skipped.
func (r *EtcdFlagRepository) Load(ctx context.Context) ([]*v1.FlagConfig, []v1.OverrideEntry, int64, error) {
	resp, err := r.GetWithRevision(ctx, RootPrefix)
	if err != nil {
		return nil, nil, 0, err
	}
	var (
		flags     []*v1.FlagConfig
		overrides []v1.OverrideEntry
	)
	for _, kv := range resp.Kvs {
		msg, err := DecodeEvent(string(kv.Key), kv.Value, kv.ModRevision)
		if err != nil {
			continue
		}
		switch {
		case msg.Flag != nil:
			flags = append(flags, msg.Flag)
		case msg.Override != nil:
			overrides = append(overrides, *msg.Override)
		}
	}
	return flags, overrides, resp.Header.GetRevision(), nil
}

func (r *EtcdFlagRepository) Health(ctx context.Context) error {
	_, err := r.client.Get(ctx, "health_check")
	return err
}

// DecodeEvent turns a mirrored key/value into a change message. value is nil
// for deletions.
func DecodeEvent(key string, value []byte, rev int64) (v1.Message, error) {
	parts := strings.Split(strings.TrimPrefix(key, RootPrefix), "/")
	msg := v1.Message{Revision: rev, Action: constraints.PUT}
	if value == nil {
		msg.Action = constraints.DELETE
	}

	switch {
	case len(parts) == 3 && parts[0] == "flags":
		msg.Kind = constraints.KindFlag
		msg.Namespace, msg.Key = parts[1], parts[2]
		if value != nil {
			var f v1.FlagConfig
			if err := json.Unmarshal(value, &f); err != nil {
				return msg, err
			}
			msg.Flag = &f
			msg.Version = f.Version
		}
	case len(parts) == 4 && parts[0] == "overrides":
		msg.Kind = constraints.KindOverride
		msg.Namespace, msg.Key = parts[1], parts[2]
		var e v1.OverrideEntry
		if value != nil {
			if err := json.Unmarshal(value, &e); err != nil {
				return msg, err
			}
		} else {
			scope, err := url.PathUnescape(parts[3])
			if err != nil {
				return msg, err
			}
			e = v1.OverrideEntry{Namespace: parts[1], Flag: parts[2], Scope: parseScope(scope)}
		}
		msg.Override = &e
	default:
		return msg, errors.New("unexpected key " + key)
	}
	return msg, nil
}

func parseScope(s string) v1.OverrideScope {
	typ, id, _ := strings.Cut(s, ":")
	return v1.OverrideScope{Type: constraints.Scope(typ), ID: id}
}
