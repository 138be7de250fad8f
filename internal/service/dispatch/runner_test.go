package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunUserSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{held: map[string]bool{LockKey(userID): true}}
	r := NewRunner(f.sender, &fakeUsers{ids: []int64{userID}}, locker, Config{}, zap.NewNop())

	res, err := r.RunUser(context.Background(), userID, now)

	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.mailer.sent)
}

func TestRunAllSkipsLockedUser(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{held: map[string]bool{LockKey(userID): true}}
	r := NewRunner(f.sender, &fakeUsers{ids: []int64{userID}}, locker, Config{}, zap.NewNop())

	total := r.RunAll(context.Background(), now)

	assert.Equal(t, Result{}, total)
	assert.Empty(t, f.mailer.sent)
	assert.True(t, locker.held[LockKey(userID)])
}

func TestRunUserReleasesLock(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{}
	r := NewRunner(f.sender, &fakeUsers{}, locker, Config{}, zap.NewNop())

	res, err := r.RunUser(context.Background(), userID, now)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Empty(t, locker.held)
}

func TestRunAllAggregatesUsers(t *testing.T) {
	f := newFixture(t)
	// user 7 has no GHL connection in the fake, so its run errors and is skipped
	r := NewRunner(f.sender, &fakeUsers{ids: []int64{7, userID}}, &fakeLocker{}, Config{}, zap.NewNop())

	total := r.RunAll(context.Background(), now)

	assert.Equal(t, Result{Sent: 2}, total)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:dispatch:priority:42", LockKey(42))
}
