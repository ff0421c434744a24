package authtoken_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukepan/roomserver/internal/authtoken"
)

func TestManager_IssueAndValidate(t *testing.T) {
	m := authtoken.NewManager([]byte("test-secret"))

	token, err := m.Issue("user-1", "room-1", time.Minute)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "room-1", claims.RoomID)
}

func TestManager_Validate_RejectsExpired(t *testing.T) {
	m := authtoken.NewManager([]byte("test-secret"))

	token, err := m.Issue("user-1", "", -time.Second)
	require.NoError(t, err)

	_, err = m.Validate(token)
	require.Error(t, err)
}

func TestManager_Validate_RejectsWrongSecret(t *testing.T) {
	m1 := authtoken.NewManager([]byte("secret-a"))
	m2 := authtoken.NewManager([]byte("secret-b"))

	token, err := m1.Issue("user-1", "", time.Minute)
	require.NoError(t, err)

	_, err = m2.Validate(token)
	require.Error(t, err)
}
