// Package model holds the shop tables that replicate between branches and the
// central node. Timestamps are not managed by GORM so that a replicated row
// keeps the values of the node that wrote it.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Customer struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"index" json:"tenantId"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

type Vehicle struct {
	CustomerID string    `gorm:"primaryKey" json:"customerId"`
	PlateNo    string    `gorm:"primaryKey" json:"plateNo"`
	Brand      string    `json:"brand"`
	Model      string    `json:"model"`
	Year       int       `json:"year"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Order is a maintenance order.
type Order struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	TenantID     string    `gorm:"index" json:"tenantId"`
	StoreID      string    `gorm:"index" json:"storeId"`
	CustomerID   string    `json:"customerId"`
	VehiclePlate string    `json:"vehiclePlate"`
	Status       string    `json:"status"`
	TechnicianID string    `json:"technicianId"`
	TotalAmount  float64   `json:"totalAmount"`
	Remark       string    `json:"remark"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

type OrderItem struct {
	OrderID     string    `gorm:"primaryKey" json:"orderId"`
	LineNo      int       `gorm:"primaryKey;autoIncrement:false" json:"lineNo"`
	Description string    `json:"description"`
	Quantity    float64   `json:"quantity"`
	UnitPrice   float64   `json:"unitPrice"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

type Quotation struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID string    `json:"customerId"`
	OrderID    *string   `json:"orderId"`
	Amount     float64   `json:"amount"`
	ValidUntil time.Time `json:"validUntil"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// Photo is an image attached to an order. FilePath is local to the node that
// stores the file.
type Photo struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	OrderID   string    `gorm:"index" json:"orderId"`
	FilePath  string    `json:"filePath"`
	Caption   string    `json:"caption"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

func All() []interface{} {
	return []interface{}{
		&Customer{},
		&Vehicle{},
		&Order{},
		&OrderItem{},
		&Quotation{},
		&Photo{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(All()...)
}
