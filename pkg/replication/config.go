package replication

import (
	"log"
	"time"
)

// PrimaryConfig configures a Primary's connection to its Backup.
type PrimaryConfig struct {
	BackupAddr        string
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	Logger            func(format string, args ...any)
}

// DefaultPrimaryConfig returns the stock reconnect/dial timings.
func DefaultPrimaryConfig(backupAddr string) PrimaryConfig {
	return PrimaryConfig{
		BackupAddr:        backupAddr,
		ReconnectInterval: 2 * time.Second,
		DialTimeout:       5 * time.Second,
		Logger:            log.Printf,
	}
}

func (c PrimaryConfig) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger(format, args...)
	}
}

// BackupConfig configures a Backup's listening socket.
type BackupConfig struct {
	ListenAddr string
	Logger     func(format string, args ...any)
}

// DefaultBackupConfig returns a Backup config listening on listenAddr.
func DefaultBackupConfig(listenAddr string) BackupConfig {
	return BackupConfig{ListenAddr: listenAddr, Logger: log.Printf}
}

func (c BackupConfig) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger(format, args...)
	}
}
