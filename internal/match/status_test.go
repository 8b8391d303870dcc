package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusMatched, StatusScheduled, StatusCooked, StatusArchived, StatusExpired}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusMatched}:    true,
		{StatusMatched, StatusScheduled}:  true,
		{StatusMatched, StatusArchived}:   true,
		{StatusMatched, StatusExpired}:    true,
		{StatusScheduled, StatusCooked}:   true,
		{StatusScheduled, StatusMatched}:  true,
		{StatusScheduled, StatusArchived}: true,
		{StatusCooked, StatusArchived}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []Status{StatusArchived, StatusExpired} {
		assert.True(t, s.Terminal())
		assert.Empty(t, transitions[s])
	}
	assert.False(t, StatusMatched.Terminal())
}

func TestAllowedFrom(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusMatched, StatusScheduled, StatusCooked}, AllowedFrom(StatusArchived))
	assert.ElementsMatch(t, []Status{StatusPending, StatusScheduled}, AllowedFrom(StatusMatched))
	assert.Equal(t, []Status{StatusScheduled}, AllowedFrom(StatusCooked))
	assert.Empty(t, AllowedFrom(StatusPending))
	assert.Empty(t, AllowedFrom(Status("bogus")))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusCooked.Valid())
	assert.False(t, Status("").Valid())
	assert.False(t, Status("done").Valid())
}

func TestOrderPairAndPartnerOf(t *testing.T) {
	low, high := OrderPair("bob", "alice")
	assert.Equal(t, "alice", low)
	assert.Equal(t, "bob", high)

	m := &Match{Users: [2]string{"alice", "bob"}}
	p, ok := m.PartnerOf("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", p)
	_, ok = m.PartnerOf("carol")
	assert.False(t, ok)
	assert.True(t, m.HasUser("bob"))
}
