package nats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	require.Equal(t, "auction.events.7", Subject("auction.events", 7))
	require.Equal(t, "x.18446744073709551615", Subject("x", ^uint64(0)))
}
