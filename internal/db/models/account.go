package models

import "time"

// GlobalService is the Settings.service value of account-wide settings.
// Per-service overrides use the id of a Services row.
const GlobalService = 0

// Account maps the libaccounts-glib Accounts table. Credential fields live
// in Settings rows keyed by the account id.
type Account struct {
	ID       int    `gorm:"column:id;primaryKey;autoIncrement"`
	Name     string `gorm:"column:name"`     // display name
	Provider string `gorm:"column:provider"` // e.g., "gzweibo-oauth2"
	Enabled  bool   `gorm:"column:enabled"`
}

func (Account) TableName() string { return "Accounts" }

// Setting maps one row of the libaccounts-glib Settings table. Type is a
// GVariant type string and Value its text form, so strings are stored quoted.
type Setting struct {
	AccountID int    `gorm:"column:account"`
	Service   int    `gorm:"column:service"`
	Key       string `gorm:"column:key"`
	Type      string `gorm:"column:type"`
	Value     string `gorm:"column:value"`
}

func (Setting) TableName() string { return "Settings" }

// Config is a process-wide key/value row, e.g. the admin API key.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Config) TableName() string { return "oauth2cred_config" }
