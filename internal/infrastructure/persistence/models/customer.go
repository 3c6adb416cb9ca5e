package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerModel mirrors migrations/000001_create_customers.up.sql
type CustomerModel struct {
	ID           string           `gorm:"type:varchar(64);primaryKey"`
	Name         string           `gorm:"type:varchar(200);not null"`
	Email        *string          `gorm:"type:varchar(200)"`
	Phone        *string          `gorm:"type:varchar(50)"`
	Address      *string          `gorm:"type:varchar(500)"`
	City         *string          `gorm:"type:varchar(100)"`
	Status       string           `gorm:"type:varchar(20);not null;default:'lead';index"`
	ModuleCount  int              `gorm:"not null;default:0"`
	SystemSizeKW *decimal.Decimal `gorm:"column:system_size_kw;type:numeric(10,3)"`
	InstallDate  *time.Time       `gorm:"type:date"`
	SalesRep     *string          `gorm:"type:varchar(100);index"`
	Notes        *string          `gorm:"type:text"`
	CreatedAt    time.Time        `gorm:"not null"`
	UpdatedAt    time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CustomerModel) TableName() string {
	return "customers"
}
