package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "ledgersync/pkg/api/v1"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Remote failure classes. The task processor maps them onto outcomes.
var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteAuth        = errors.New("remote rejected credentials")
	ErrRemoteRejected    = errors.New("remote rejected payload")
	ErrRemoteConflict    = errors.New("remote document is newer")
)

// RemoteInterface applies one operation against the authoritative store.
type RemoteInterface interface {
	Perform(ctx context.Context, call v1.RemoteCall) error
}

// RemoteDocument is the value stored under a document key.
type RemoteDocument struct {
	OperationID string          `json:"operation_id"`
	Schema      string          `json:"schema"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Deleted     bool            `json:"is_deleted"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// EtcdRemote writes documents to etcd under {prefix}{owner}/{collection}/{document}.
// Writes are last-write-wins on the envelope's updated_at and guarded by a mod-revision compare.
type EtcdRemote struct {
	client clientv3.KV
	prefix string
}

const maxCASRetries = 3

func NewEtcdRemote(client clientv3.KV, prefix string) *EtcdRemote {
	if prefix == "" {
		prefix = "/ledgersync/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdRemote{client: client, prefix: prefix}
}

func (r *EtcdRemote) DocumentKey(ownerID, collection, documentID string) string {
	if ownerID == "" {
		ownerID = "_"
	}
	return r.prefix + ownerID + "/" + collection + "/" + documentID
}

func (r *EtcdRemote) Perform(ctx context.Context, call v1.RemoteCall) error {
	if call.Collection == "" || call.DocumentID == "" {
		return fmt.Errorf("%w: missing document address", ErrRemoteRejected)
	}
	key := r.DocumentKey(call.OwnerID, call.Collection, call.DocumentID)

	incoming := RemoteDocument{
		OperationID: call.OperationID,
		Schema:      call.Envelope.Schema,
		UpdatedAt:   call.Envelope.UpdatedAt.UTC(),
		Deleted:     call.Type == v1.OperationDelete,
	}
	if !incoming.Deleted {
		incoming.Data = call.Envelope.Data
	}
	val, err := json.Marshal(incoming)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}

	for retries := 0; ; retries++ {
		if retries > maxCASRetries {
			return fmt.Errorf("%w: write contention on %s", ErrRemoteUnavailable, key)
		}

		resp, err := r.client.Get(ctx, key)
		if err != nil {
			return classifyEtcdError(err)
		}

		var cmp clientv3.Cmp
		if len(resp.Kvs) == 0 {
			if incoming.Deleted {
				return nil
			}
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			kv := resp.Kvs[0]
			var stored RemoteDocument
			if err := json.Unmarshal(kv.Value, &stored); err != nil {
				return fmt.Errorf("%w: stored document %s is corrupt", ErrRemoteConflict, key)
			}
			write, err := lastWriteWins(&stored, &incoming)
			if err != nil || !write {
				return err
			}
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
		}

		tResp, err := r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(val))).Commit()
		if err != nil {
			return classifyEtcdError(err)
		}
		if tResp.Succeeded {
			return nil
		}
	}
}

// lastWriteWins reports whether incoming should replace stored.
func lastWriteWins(stored, incoming *RemoteDocument) (bool, error) {
	if stored.OperationID == incoming.OperationID {
		// a previous attempt of this operation already landed
		return false, nil
	}
	if incoming.UpdatedAt.Before(stored.UpdatedAt) {
		return false, fmt.Errorf("%w: stored %s, incoming %s", ErrRemoteConflict,
			stored.UpdatedAt.Format(time.RFC3339Nano), incoming.UpdatedAt.Format(time.RFC3339Nano))
	}
	if incoming.UpdatedAt.Equal(stored.UpdatedAt) {
		if incoming.Deleted == stored.Deleted && jsonEqual(incoming.Data, stored.Data) {
			return false, nil
		}
		return false, fmt.Errorf("%w: divergent write at %s", ErrRemoteConflict, stored.UpdatedAt.Format(time.RFC3339Nano))
	}
	return true, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// classifyEtcdError maps client errors onto the remote sentinels. Context errors pass through.
func classifyEtcdError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	code := codes.Unknown
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		code = etcdErr.Code()
	} else if s, ok := status.FromError(err); ok {
		code = s.Code()
	}

	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrRemoteAuth, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return fmt.Errorf("%w: %v", ErrRemoteRejected, err)
	}
	return err
}

func (r *EtcdRemote) Health(ctx context.Context) error {
	_, err := r.client.Get(ctx, r.prefix+"health_check")
	return err
}
