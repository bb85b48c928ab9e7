package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresenceSelf(t *testing.T) {
	own := PresenceEvent{From: "r1@conference.example.test/routing-1"}
	assert.True(t, own.Self("routing-1"))

	peer := PresenceEvent{From: "r1@conference.example.test/peer-1"}
	assert.False(t, peer.Self("routing-1"))

	// Bare jids carry no occupant resource.
	bare := PresenceEvent{From: "r1@conference.example.test"}
	assert.False(t, bare.Self("routing-1"))
}
