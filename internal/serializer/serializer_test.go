package serializer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/serializer"
)

func TestNoneSerializer_IsTriviallyValid(t *testing.T) {
	var s serializer.Serializer = serializer.NoneSerializer{}
	require.Equal(t, "none", s.ID())
	require.Nil(t, s.Handshake())

	full, err := s.GetFullState(nil)
	require.NoError(t, err)
	require.Nil(t, full)

	changed, err := s.ApplyPatches(nil, nil)
	require.NoError(t, err)
	require.False(t, changed)
}
