package models

import "time"

// SSHTunnelConfig describes a bastion used to reach the MySQL server.
type SSHTunnelConfig struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // loaded from KeyPath when nil
	KeyPath    string
	Timeout    time.Duration
}

// SSHResult holds the result of an SSH connectivity check.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
