package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenMigratesAndLocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)

	v, err := Version(ctx, s.DB)
	require.NoError(t, err)
	require.Equal(t, len(migrations), v)

	_, err = Open(ctx, dir)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, s.Close())

	again, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestTimeRoundTripSortsLexically(t *testing.T) {
	early := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	late := early.Add(time.Millisecond)

	require.True(t, ParseTime(FormatTime(early)).Equal(early))
	require.Less(t, FormatTime(early), FormatTime(late))
	require.True(t, ParseTime("").IsZero())
	require.Equal(t, "", FormatTime(time.Time{}))
}
