package games

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "games.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T {
	return &v
}

func TestUpsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	g, err := s.Upsert(ctx, Game{
		Title:         "Half-Life: Alyx",
		VRBackend:     "wivrn",
		SteamAppID:    ptr(uint32(546560)),
		ProtonVersion: ptr("GE-Proton9-20"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)

	got, err := s.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g, got)
	assert.Nil(t, got.CommandLine)

	t.Run("update keeps playtime", func(t *testing.T) {
		require.NoError(t, s.AddPlaytime(ctx, g.ID, 120))

		g.Title = "HL: Alyx"
		updated, err := s.Upsert(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, "HL: Alyx", updated.Title)
		assert.Equal(t, int64(120), updated.TotalPlaytimeSec)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		game    Game
		wantErr bool
	}{
		{"steam app", Game{Title: "a", VRBackend: "wivrn", SteamAppID: ptr(uint32(1))}, false},
		{"command line", Game{Title: "a", VRBackend: "wivrn", CommandLine: ptr("/bin/game")}, false},
		{"missing title", Game{VRBackend: "wivrn", SteamAppID: ptr(uint32(1))}, true},
		{"missing backend", Game{Title: "a", SteamAppID: ptr(uint32(1))}, true},
		{"nothing to launch", Game{Title: "a", VRBackend: "wivrn", CommandLine: ptr("  ")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.game.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListOrdersByTitle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	empty, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, title := range []string{"beat saber", "Alyx", "Pavlov"} {
		_, err := s.Upsert(ctx, Game{Title: title, VRBackend: "wivrn", CommandLine: ptr("/bin/true")})
		require.NoError(t, err)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"Alyx", "beat saber", "Pavlov"}, []string{list[0].Title, list[1].Title, list[2].Title})
}

func TestDeleteAndNotFound(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	g, err := s.Upsert(ctx, Game{Title: "x", VRBackend: "wivrn", CommandLine: ptr("/bin/true")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, g.ID))
	_, err = s.Get(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, g.ID), ErrNotFound)
	assert.ErrorIs(t, s.AddPlaytime(ctx, g.ID, 5), ErrNotFound)
}

func TestAddPlaytimeIgnoresNonPositive(t *testing.T) {
	s := openStore(t)
	assert.NoError(t, s.AddPlaytime(context.Background(), "missing", 0))
}

func TestCover(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	g, err := s.Upsert(ctx, Game{Title: "x", VRBackend: "wivrn", CommandLine: ptr("/bin/true")})
	require.NoError(t, err)

	_, err = s.Cover(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetCover(ctx, g.ID, []byte{0xff, 0xd8}))
	cover, err := s.Cover(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, cover)
}
