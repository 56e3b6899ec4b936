package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogIsBounded(t *testing.T) {
	l := NewLog(2)
	l.Notify(Notification{Kind: MintSucceeded, Message: "a"})
	l.Notify(Notification{Kind: DepositSucceeded, Message: "b"})
	l.Notify(Notification{Kind: NetworkError, Message: "c"})

	entries := l.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Message)
	require.Equal(t, "c", entries[1].Message)
	require.False(t, entries[1].At.IsZero())
	require.Equal(t, 0, l.Count(MintSucceeded))
	require.Equal(t, 1, l.Count(NetworkError))
}
