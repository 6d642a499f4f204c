package registry

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ closed bool }

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func TestPromoteAndLookup(t *testing.T) {
	r := New(log.Default)
	h := &fakeHandle{}
	tempID := r.Attach(h)

	rec, err := r.Promote(tempID, "A", map[string]string{"hostname": "box1"})
	require.NoError(t, err)
	assert.Equal(t, "A", rec.ClientID)
	assert.Equal(t, StatusConnected, rec.Status)

	got, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "box1", got.Metadata["hostname"])
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New(log.Default)
	tempID1 := r.Attach(&fakeHandle{})
	_, err := r.Promote(tempID1, "A", nil)
	require.NoError(t, err)

	tempID2 := r.Attach(&fakeHandle{})
	_, err = r.Promote(tempID2, "A", nil)
	assert.ErrorIs(t, err, ErrDuplicate)

	// Uniqueness invariant: at most one connected record for "A".
	matches := r.List(func(c ClientRecord) bool { return c.ClientID == "A" && c.Status == StatusConnected })
	assert.Len(t, matches, 1)
}

func TestDisplaceClosesOldTransportAndAllowsReRegistration(t *testing.T) {
	r := New(log.Default)
	h1 := &fakeHandle{}
	tempID1 := r.Attach(h1)
	_, err := r.Promote(tempID1, "A", nil)
	require.NoError(t, err)

	r.Displace("A")
	assert.True(t, h1.closed)

	h2 := &fakeHandle{}
	tempID2 := r.Attach(h2)
	rec, err := r.Promote(tempID2, "A", nil)
	require.NoError(t, err)
	assert.Same(t, h2, rec.Transport)
}

func TestDetachClient(t *testing.T) {
	r := New(log.Default)
	tempID := r.Attach(&fakeHandle{})
	_, err := r.Promote(tempID, "A", nil)
	require.NoError(t, err)

	assert.True(t, r.DetachClient("A"))
	_, ok := r.Lookup("A")
	assert.False(t, ok)
	assert.False(t, r.DetachClient("A"))
}

func TestDetachIfTransportIgnoresStaleHandle(t *testing.T) {
	r := New(log.Default)
	h1 := &fakeHandle{}
	tempID1 := r.Attach(h1)
	_, err := r.Promote(tempID1, "A", nil)
	require.NoError(t, err)

	r.Displace("A")
	h2 := &fakeHandle{}
	tempID2 := r.Attach(h2)
	_, err = r.Promote(tempID2, "A", nil)
	require.NoError(t, err)

	// h1 lost the race: its own teardown must not be able to evict the
	// record h2 just installed under the same clientId.
	assert.False(t, r.DetachIfTransport("A", h1))
	rec, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Same(t, h2, rec.Transport)

	assert.True(t, r.DetachIfTransport("A", h2))
	_, ok = r.Lookup("A")
	assert.False(t, ok)
}

func TestTouchHeartbeat(t *testing.T) {
	r := New(log.Default)
	tempID := r.Attach(&fakeHandle{})
	_, err := r.Promote(tempID, "A", nil)
	require.NoError(t, err)

	before, _ := r.Lookup("A")
	assert.True(t, r.TouchHeartbeat("A"))
	after, _ := r.Lookup("A")
	assert.False(t, after.LastHeartbeatAt.Before(before.LastHeartbeatAt))
	assert.False(t, r.TouchHeartbeat("unknown"))
}
