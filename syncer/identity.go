package syncer

import (
	"sync/atomic"

	"github.com/breez/shop-sync/capture"
	"github.com/breez/shop-sync/store"
)

// Identity is the node identity one sync cycle runs with. A cycle never sees
// a partially updated identity because a new value is taken only between
// cycles.
type Identity struct {
	StoreID   string
	StoreType string
	Role      string
	ServerIP  string
}

func (i Identity) Resolved() bool {
	return i.StoreID != "" && i.StoreType != ""
}

func (i Identity) IsCentral() bool {
	return i.Role == store.RoleCentral
}

func (i Identity) cursorIdentity() store.CursorIdentity {
	return store.CursorIdentity{StoreID: i.StoreID, StoreType: i.StoreType, ServerRole: i.Role}
}

func (i Identity) metadata() capture.Metadata {
	return capture.Metadata{SourceServer: i.StoreID, StoreType: i.StoreType, ServerRole: i.Role}
}

type IdentitySource interface {
	Identity() Identity
}

// IdentityHolder is an IdentitySource that can be updated at runtime, for
// example after a profile is resolved.
type IdentityHolder struct {
	current atomic.Pointer[Identity]
}

func NewIdentityHolder(id Identity) *IdentityHolder {
	h := &IdentityHolder{}
	h.Set(id)
	return h
}

func (h *IdentityHolder) Set(id Identity) {
	h.current.Store(&id)
}

func (h *IdentityHolder) Identity() Identity {
	return *h.current.Load()
}
