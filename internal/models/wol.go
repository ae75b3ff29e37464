package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for the database host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	Target        string        // host:port dialed until it accepts, defaults to the MySQL address
	Timeout       time.Duration // max time to wait for the MySQL port
	PollInterval  time.Duration // how often to dial the MySQL port
	StabilizeWait time.Duration // wait after the port accepts connections
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
