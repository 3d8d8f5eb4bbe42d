package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"whispr/pkg/storage"
)

// ObjectPinner archives into an S3-compatible bucket, addressing each
// payload by the sha256 of its JSON encoding.
type ObjectPinner struct {
	store  storage.ObjectStore
	prefix string
}

func NewObjectPinner(store storage.ObjectStore, prefix string) *ObjectPinner {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "archive"
	}
	return &ObjectPinner{store: store, prefix: prefix}
}

func (p *ObjectPinner) Pin(ctx context.Context, name string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pin %s: encode: %w", name, err)
	}
	sum := sha256.Sum256(body)
	cid := hex.EncodeToString(sum[:])
	key := p.key(cid)
	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("pin %s: %w", name, err)
	}
	if exists {
		return cid, nil
	}
	if err := p.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", fmt.Errorf("pin %s: %w", name, err)
	}
	return cid, nil
}

func (p *ObjectPinner) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	cid = strings.ToLower(strings.TrimSpace(cid))
	if len(cid) != sha256.Size*2 {
		return nil, fmt.Errorf("invalid content identifier %q", cid)
	}
	if _, err := hex.DecodeString(cid); err != nil {
		return nil, fmt.Errorf("invalid content identifier %q", cid)
	}
	data, err := p.store.Get(ctx, p.key(cid), MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", cid, err)
	}
	return data, nil
}

func (p *ObjectPinner) key(cid string) string {
	return p.prefix + "/" + cid + ".json"
}
