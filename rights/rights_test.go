package rights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xonfour/horizont-sub000/errors"
)

func TestRegistry_HasAllHasAny(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("mod", Read|Write))

	assert.True(t, r.HasAll("mod", Read))
	assert.True(t, r.HasAll("mod", Read|Write))
	assert.False(t, r.HasAll("mod", Read|Lock))
	assert.True(t, r.HasAny("mod", Read|Lock))
	assert.False(t, r.HasAny("mod", Lock|Subscribe))

	// unknown ids never throw and are never authorized
	assert.False(t, r.HasAll("ghost", None))
	assert.False(t, r.HasAny("ghost", All))
}

func TestRegistry_Verify(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("ci", ManageModules|ReceiveLog))

	assert.NoError(t, r.VerifyAll("ci", ManageModules, "AddModule"))
	assert.NoError(t, r.VerifyAny("ci", ReceiveLog|ReceiveState, "Listen"))

	err := r.VerifyAll("ci", ManageModules|SystemControl, "StartSystem")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	var authErr *errors.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, SystemControl, authErr.Missing)
	assert.Equal(t, []string{"SYSTEM_CONTROL"}, authErr.Names)

	assert.ErrorIs(t, r.VerifyAny("ci", ReceiveActivity, "Listen"), errors.ErrUnauthorized)
	assert.ErrorIs(t, r.VerifyAll("", Read, "Read"), errors.ErrUnauthorized)
	assert.ErrorIs(t, r.VerifyAll("ghost", None, "Read"), errors.ErrUnauthorized)
}

func TestRegistry_SetRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Set("a", Read))
	require.NoError(t, r.Set("a", Read))
	r.Remove("a")
	r.Remove("a")

	_, err := r.Get("a")
	assert.ErrorIs(t, err, errors.ErrBroker)
	assert.Error(t, r.Set("", Read))
	assert.Empty(t, r.IDs())
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"READ", "LOCK"}, Names(Read|Lock))
	assert.Empty(t, Names(None))
	assert.Equal(t, []string{"MAY_MISS_EVENTS"}, Names(MayMissEvents))
}
