// Package syncrpc defines the Syncer gRPC service exchanged between branch
// nodes and the central node. Messages travel as JSON through a registered
// gRPC codec.
package syncrpc

import (
	"encoding/json"
	"time"
)

// Change is one change-log entry on the wire.
type Change struct {
	LogID        string          `json:"logId"`
	TableName    string          `json:"tableName"`
	Action       string          `json:"action"`
	RecordID     string          `json:"recordId"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	SyncedAt     time.Time       `json:"syncedAt"`
	SourceServer string          `json:"sourceServer,omitempty"`
	StoreType    string          `json:"storeType,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type UploadRequest struct {
	StoreID     string    `json:"storeId"`
	StoreType   string    `json:"storeType"`
	ServerRole  string    `json:"serverRole"`
	ServerIP    string    `json:"serverIp"`
	Changes     []*Change `json:"changes"`
	RequestTime int64     `json:"requestTime,omitempty"`
	Signature   string    `json:"signature,omitempty"`
}

type UploadReply struct {
	ProcessedCount int `json:"processedCount"`
	IgnoredCount   int `json:"ignoredCount"`
}

type UpdatesQuery struct {
	StoreID      string    `json:"storeId,omitempty"`
	StoreType    string    `json:"storeType,omitempty"`
	ServerRole   string    `json:"serverRole,omitempty"`
	LastSyncTime time.Time `json:"lastSyncTime"`
	AfterLogID   string    `json:"afterLogId,omitempty"`
	PageSize     int       `json:"pageSize"`
	RequestTime  int64     `json:"requestTime,omitempty"`
	Signature    string    `json:"signature,omitempty"`
}

// LegacyOrder is the order-only sync object older central nodes return
// instead of generic changes.
type LegacyOrder struct {
	OrderNo      string    `json:"orderNo"`
	TenantID     string    `json:"tenantId"`
	StoreID      string    `json:"storeId"`
	CustomerID   string    `json:"customerId"`
	VehiclePlate string    `json:"vehiclePlate"`
	Status       string    `json:"status"`
	TechnicianID string    `json:"technicianId"`
	TotalAmount  float64   `json:"totalAmount"`
	Remark       string    `json:"remark"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UpdatesReply carries one page. When the page is full, ServerTime and
// LastLogID point at its last change and the next query continues from there.
type UpdatesReply struct {
	Changes    []*Change      `json:"changes"`
	Orders     []*LegacyOrder `json:"orders,omitempty"`
	ServerTime time.Time      `json:"serverTime"`
	LastLogID  string         `json:"lastLogId,omitempty"`
}

type TrackRequest struct {
	StoreID     string `json:"storeId"`
	RequestTime int64  `json:"requestTime,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// ChangeNotice tells a subscribed branch that the central log grew.
type ChangeNotice struct {
	SourceServer string    `json:"sourceServer"`
	ServerTime   time.Time `json:"serverTime"`
}
