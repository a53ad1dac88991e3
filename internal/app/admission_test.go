package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confcast/internal/domain"
)

func TestAdmissions(t *testing.T) {
	a := NewAdmissions()
	bob := domain.Identity{ID: "bob", Name: "bob", Avatar: "b.png"}
	carol := domain.Identity{ID: "carol", Name: "carol"}

	_, ok := a.Status("r1", "bob")
	assert.False(t, ok)
	_, err := a.Decide("r1", "bob", true)
	assert.ErrorIs(t, err, domain.ErrAdmissionNotFound)

	req := a.Request("r1", bob)
	assert.Equal(t, domain.AdmissionWaiting, req.Status)
	assert.Equal(t, "b.png", req.Avatar)
	a.Request("r1", carol)
	a.Request("r1", bob)
	require.Len(t, a.Waiting("r1"), 2)
	assert.Equal(t, domain.ParticipantID("bob"), a.Waiting("r1")[0].UserID)
	assert.Empty(t, a.Waiting("r2"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, err := a.Wait(ctx, "r1", "carol")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.AdmissionWaiting, status)

	_, err = a.Decide("r1", "carol", false)
	require.NoError(t, err)
	status, err = a.Wait(context.Background(), "r1", "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.AdmissionRejected, status)

	// A rejected user may ask again; order is kept.
	assert.Equal(t, domain.AdmissionWaiting, a.Request("r1", carol).Status)
	waiting := a.Waiting("r1")
	require.Len(t, waiting, 2)
	assert.Equal(t, domain.ParticipantID("carol"), waiting[1].UserID)

	_, err = a.Decide("r1", "bob", true)
	require.NoError(t, err)
	assert.Equal(t, domain.AdmissionAdmitted, a.Request("r1", bob).Status)
	require.Len(t, a.Waiting("r1"), 1)
}
