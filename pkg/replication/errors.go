package replication

import "errors"

var (
	// ErrBackupBusy names the reason a Backup refuses a second connection.
	ErrBackupBusy = errors.New("replication: backup already has an active primary connection")
	// ErrProtocol is returned when a frame's opcode or status is unrecognized.
	ErrProtocol = errors.New("replication: protocol violation")
)
