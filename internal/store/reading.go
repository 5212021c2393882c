// Package store persists sensor readings in a single relational table.
package store

import (
	"time"
)

// History limits applied to every bounded read.
const (
	MinLimit     = 1
	MaxLimit     = 200
	DefaultLimit = 50
)

// Reading is one immutable sensor sample.
type Reading struct {
	Timestamp    time.Time `gorm:"column:ts;not null" json:"ts"`
	HumidityPct  *float64  `gorm:"column:humidity_pct" json:"humidity_pct"`
	PressureHpa  *float64  `gorm:"column:pressure_hpa" json:"pressure_hpa"`
	CPUTempC     *float64  `gorm:"column:cpu_temp_c" json:"cpu_temp_c"`
	DeviceID     string    `gorm:"column:device_id;not null" json:"device_id"`
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TemperatureC float64   `gorm:"column:temperature_c;not null" json:"temperature_c"`
	RawTempC     float64   `gorm:"column:raw_temp_c;not null" json:"raw_temp_c"`
	TargetC      float64   `gorm:"column:target_c;not null" json:"target_c"`
	FanOn        bool      `gorm:"column:fan_on;not null" json:"fan_on"`
}

// TableName specifies the table name for Reading.
func (Reading) TableName() string {
	return "readings"
}

// ClampLimit bounds a requested history size to [MinLimit, MaxLimit].
func ClampLimit(limit int) int {
	if limit < MinLimit {
		return MinLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func (r *Reading) normalize() {
	r.Timestamp = r.Timestamp.UTC()
}
