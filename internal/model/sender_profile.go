// internal/model/sender_profile.go
package model

import (
	"fmt"
	"time"
)

// Encryption is the SMTP transport security mode.
type Encryption string

const (
	EncryptionTLS  Encryption = "tls"
	EncryptionSSL  Encryption = "ssl"
	EncryptionNone Encryption = "none"
)

// Valid reports whether e is a known mode.
func (e Encryption) Valid() bool {
	switch e {
	case EncryptionTLS, EncryptionSSL, EncryptionNone:
		return true
	}
	return false
}

// StaticProfilePrefix prefixes the synthetic ids of configured profiles.
const StaticProfilePrefix = "config_"

// DefaultProfileID identifies the system default mail configuration.
const DefaultProfileID = "default"

// SenderProfile is a named SMTP credential set.
type SenderProfile struct {
	ID         string     `db:"id" json:"id"`
	UserID     int64      `db:"user_id" json:"user_id,omitempty"`
	Name       string     `db:"name" json:"name"`
	Email      string     `db:"email" json:"email"`
	Host       string     `db:"host" json:"host"`
	Port       int        `db:"port" json:"port"`
	Username   string     `db:"username" json:"username"`
	Password   string     `db:"password" json:"-"`
	Encryption Encryption `db:"encryption" json:"encryption"`
	Static     bool       `json:"static"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt  *time.Time `db:"updated_at" json:"updated_at,omitempty"`

	// Undeclared lists SMTP fields the source never defined (static profiles only).
	Undeclared []string `json:"-"`
}

// StaticProfileID returns the synthetic id of the i-th configured profile.
func StaticProfileID(i int) string {
	return fmt.Sprintf("%s%d", StaticProfilePrefix, i)
}

// Address returns the SMTP endpoint address.
func (p *SenderProfile) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
