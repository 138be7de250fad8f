package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/pkg/rbac"
	"mailpulse/pkg/trace"
)

// ErrAlreadyRunning is returned by RunUser when another run holds the
// user's lock.
var ErrAlreadyRunning = errors.New("priority dispatch already running")

type UserLister interface {
	ListActiveUserIDs(ctx context.Context, provider string) ([]int64, error)
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Runner drives Sender for every user with an active GHL connection.
type Runner struct {
	sender   *Sender
	users    UserLister
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *zap.Logger
}

func NewRunner(sender *Sender, users UserLister, locker Locker, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Runner{
		sender:   sender,
		users:    users,
		locker:   locker,
		interval: cfg.Interval,
		lockTTL:  cfg.LockTTL,
		logger:   logger,
	}
}

func LockKey(userID int64) string {
	return fmt.Sprintf("lock:dispatch:priority:%d", userID)
}

// Start runs RunAll every interval until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting priority dispatch runner", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Priority dispatch runner stopped")
			return
		case now := <-ticker.C:
			r.RunAll(ctx, now)
		}
	}
}

// RunAll runs the sender once per user. A user whose previous run still
// holds the lock is skipped.
func (r *Runner) RunAll(ctx context.Context, now time.Time) Result {
	var total Result

	userIDs, err := r.users.ListActiveUserIDs(ctx, model.ProviderGHL)
	if err != nil {
		r.logger.Error("Failed to list dispatch users", zap.Error(err))
		return total
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		res, err := r.RunUser(ctx, userID, now)
		total.add(res)
		if errors.Is(err, ErrAlreadyRunning) {
			continue
		}
		if err != nil {
			r.logger.Warn("Priority dispatch failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return total
}

// RunUser runs the sender for one user under the per-user lock.
func (r *Runner) RunUser(ctx context.Context, userID int64, now time.Time) (Result, error) {
	release, ok, err := r.locker.TryLock(ctx, LockKey(userID), r.lockTTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		r.logger.Info("Priority dispatch already running", zap.Int64("user_id", userID))
		return Result{}, ErrAlreadyRunning
	}
	defer release()

	ctx, _ = trace.Ensure(ctx)
	p := auth.Principal{UserID: userID, Role: rbac.RoleUser}
	return r.sender.Run(auth.WithPrincipal(ctx, p), p, now)
}
