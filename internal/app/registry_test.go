package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/core"
	"github.com/dkeye/confcast/internal/domain"
)

type nopSignal struct{}

func (nopSignal) Notify(context.Context, string, any) error { return nil }
func (nopSignal) Close()                                    {}

func session(id domain.ParticipantID) core.MemberSession {
	return core.NewMemberSession(domain.Identity{ID: id, Name: string(id)}, nopSignal{})
}

func TestRegistry_UnbindCountsRemainingTabs(t *testing.T) {
	r := NewRegistry()
	r.Bind("s1", "room-1", session("alice"), nil)
	r.Bind("s2", "room-1", session("alice"), nil)
	r.Bind("s3", "room-2", session("alice"), nil)
	r.Bind("s4", "room-1", session("bob"), nil)

	room, sess, ok := r.Get("s2")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("room-1"), room)
	assert.Equal(t, domain.ParticipantID("alice"), sess.Identity().ID)

	remaining, ok := r.Unbind("s1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	remaining, ok = r.Unbind("s2")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining, "the room-2 session does not count")

	_, ok = r.Unbind("s2")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_RoomMates(t *testing.T) {
	r := NewRegistry()
	r.Bind("s1", "room-1", session("alice"), nil)
	r.Bind("s2", "room-1", session("alice"), nil)
	r.Bind("s3", "room-1", session("bob"), nil)
	r.Bind("s4", "room-2", session("carol"), nil)

	mates := r.RoomMates("room-1", "alice")
	require.Len(t, mates, 1)
	assert.Equal(t, core.SessionID("s3"), mates[0].SID)
	assert.Len(t, r.MembersOfRoom("room-1"), 3)
	assert.Empty(t, r.MembersOfRoom("room-3"))
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry()
	canceled := false
	r.Bind("s1", "room-1", session("alice"), func() { canceled = true })

	assert.True(t, r.Cancel("s1"))
	assert.True(t, canceled)
	assert.False(t, r.Cancel("missing"))
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "limits are per participant")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("alice"))
	rl := NewRateLimiter(0, time.Second)
	for range 10 {
		assert.True(t, rl.Allow("alice"))
	}
}

func TestSimplePolicy(t *testing.T) {
	assert.Equal(t, KickMember, SimplePolicy{}.OnBackPressure("room-1", session("alice")))
	assert.Equal(t, "kick", KickMember.String())
}
