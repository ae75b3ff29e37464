package models

import (
	"net"
	"strconv"
)

// ConnectionConfig holds the MySQL connection settings.
type ConnectionConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Tunnel   *SSHTunnelConfig // nil if the server is reached directly
}

// Addr returns the host:port pair of the server.
func (c ConnectionConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StorageClass is the quoting category of a column's native storage type.
type StorageClass int

// Storage classes.
const (
	StorageOther StorageClass = iota
	StorageInteger
)

func (c StorageClass) String() string {
	if c == StorageInteger {
		return "integer"
	}
	return "other"
}

// ColumnMeta describes one column of a table.
type ColumnMeta struct {
	Name       string
	NativeType string
	Class      StorageClass
}
