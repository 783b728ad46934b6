// Package leaderelection gates cycle execution so only one fleetd replica
// drives scale-down and admission at a time. A flock on a shared file is
// the lease; losing the lock stops the loops.
package leaderelection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/github-aws-runners/runner-fleet/internal/config"
)

type Elector struct {
	config   config.LeaderElectionConfig
	logger   *slog.Logger
	lockFd   int
	isLeader bool
}

func New(cfg config.LeaderElectionConfig, logger *slog.Logger) *Elector {
	return &Elector{
		config: cfg,
		logger: logger.With("component", "leader-election"),
		lockFd: -1,
	}
}

// Run blocks until ctx is done, invoking onStartLeading when leadership is
// acquired and onStopLeading when it is lost. With election disabled the
// process leads unconditionally.
func (le *Elector) Run(ctx context.Context, onStartLeading, onStopLeading func(ctx context.Context)) error {
	if !le.config.Enabled {
		le.logger.Info("leader election disabled, assuming leadership")
		le.isLeader = true
		onStartLeading(ctx)
		<-ctx.Done()
		return nil
	}

	le.logger.Info("starting leader election",
		"lock_file", le.config.LockFilePath,
		"lease_duration", le.config.LeaseDuration,
	)

	ticker := time.NewTicker(le.config.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if le.isLeader {
				le.release()
				onStopLeading(ctx)
			}
			return nil

		case <-ticker.C:
			acquired, err := le.tryAcquire()
			if err != nil {
				le.logger.Error("lock acquisition failed", "error", err)
				continue
			}
			switch {
			case acquired && !le.isLeader:
				le.logger.Info("acquired leadership")
				le.isLeader = true
				go onStartLeading(ctx)
			case !acquired && le.isLeader:
				le.logger.Warn("lost leadership")
				le.isLeader = false
				onStopLeading(ctx)
			}
		}
	}
}

// IsLeader reports whether this replica currently drives the cycles.
func (le *Elector) IsLeader() bool {
	return le.isLeader || !le.config.Enabled
}

func (le *Elector) tryAcquire() (bool, error) {
	fd, err := syscall.Open(le.config.LockFilePath, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("failed to flock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := syscall.Write(fd, []byte(pid)); err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("failed to write pid: %w", err)
	}

	if le.lockFd >= 0 {
		syscall.Close(le.lockFd)
	}
	le.lockFd = fd
	return true, nil
}

func (le *Elector) release() {
	if le.lockFd >= 0 {
		syscall.Flock(le.lockFd, syscall.LOCK_UN)
		syscall.Close(le.lockFd)
		le.lockFd = -1
		le.logger.Info("released leadership")
	}
}
