package models

import (
	"time"

	"github.com/google/uuid"
)

// Supported external engines.
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// DataSource is a registered external telemetry database.
// Password is plaintext only inside the service layer; it is encrypted at
// rest and never serialized.
type DataSource struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Engine    string    `json:"engine"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Database  string    `json:"database"`
	Schema    string    `json:"schema,omitempty"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	SSL       bool      `json:"ssl"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand to clients.
func (d *DataSource) Redacted() *DataSource {
	c := *d
	c.Password = ""
	return &c
}
