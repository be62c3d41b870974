package launcher

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetEnvReplaces(t *testing.T) {
	cmd := exec.Command("true")
	cmd.Env = []string{"A=1", "B=2"}

	SetEnv(cmd, "A", "3")
	SetEnv(cmd, "C", "4")

	assert.Equal(t, []string{"A=3", "B=2", "C=4"}, cmd.Env)
	v, ok := LookupEnv(cmd, "C")
	assert.True(t, ok)
	assert.Equal(t, "4", v)
	_, ok = LookupEnv(cmd, "AB")
	assert.False(t, ok)
}

func TestSymlinkModifier(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "openxr_wivrn.json")
	require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0644))
	link := filepath.Join(dir, "config", "openxr", "1", "active_runtime.json")

	m := SymlinkModifier{Target: manifest, Link: link}
	require.NoError(t, m.Apply(exec.Command("true"), AppDescriptor{}, CompatTool{}))

	got, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, manifest, got)

	t.Run("replaces existing link", func(t *testing.T) {
		other := filepath.Join(dir, "openxr_monado.json")
		require.NoError(t, SymlinkModifier{Target: other, Link: link}.Apply(exec.Command("true"), AppDescriptor{}, CompatTool{}))
		got, err := os.Readlink(link)
		require.NoError(t, err)
		assert.Equal(t, other, got)
	})

	t.Run("refuses to replace a directory", func(t *testing.T) {
		blocked := filepath.Join(dir, "blocked")
		require.NoError(t, os.MkdirAll(blocked, 0755))
		err := SymlinkModifier{Target: manifest, Link: blocked}.Apply(exec.Command("true"), AppDescriptor{}, CompatTool{})
		assert.Error(t, err)
	})
}

func TestWorkingDirModifier(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("true")

	require.NoError(t, WorkingDirModifier(dir).Apply(cmd, AppDescriptor{}, CompatTool{}))
	assert.Equal(t, dir, cmd.Dir)

	err := WorkingDirModifier(filepath.Join(dir, "missing")).Apply(cmd, AppDescriptor{}, CompatTool{})
	assert.ErrorIs(t, err, ErrPreflightPathMissing)
}

func TestModifiersStopAtFirstError(t *testing.T) {
	var ran []string
	record := func(name string, err error) Modifier {
		return ModifierFunc(func(*exec.Cmd, AppDescriptor, CompatTool) error {
			ran = append(ran, name)
			return err
		})
	}

	err := Modifiers{record("a", nil), record("b", os.ErrPermission), record("c", nil)}.
		Apply(exec.Command("true"), AppDescriptor{}, CompatTool{})
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestSteamModifier(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, loginUsers), []byte(`"users"
{
	"76561198000000001"
	{
		"AccountName"		"olduser"
		"MostRecent"		"0"
	}
	"76561198000000002"
	{
		"AccountName"		"player"
		"MostRecent"		"1"
	}
}
`), 0644))

	app := AppDescriptor{SteamID: 620980, AppFolder: t.TempDir(), Executable: "Beat Saber.exe"}
	tool := CompatTool{Name: "Proton", Executable: "/opt/proton/proton"}
	cmd := exec.Command("true")
	cmd.Env = []string{}

	require.NoError(t, SteamModifier{Root: root}.Apply(cmd, app, tool))

	env := func(key string) string {
		v, _ := LookupEnv(cmd, key)
		return v
	}
	assert.Equal(t, "620980", env("SteamAppId"))
	assert.Equal(t, "620980", env("SteamGameId"))
	assert.Equal(t, "player", env("SteamUser"))
	assert.Equal(t, filepath.Join(root, "steamapps/compatdata/620980"), env("STEAM_COMPAT_DATA_PATH"))
	assert.Equal(t, "/opt/proton:"+filepath.Join(root, "steamapps/common/SteamLinuxRuntime_sniper"), env("STEAM_COMPAT_TOOL_PATHS"))
	assert.Equal(t, app.AppFolder, cmd.Dir)
	assert.DirExists(t, filepath.Join(root, "steamapps/compatdata/620980"))
	assert.DirExists(t, filepath.Join(root, "steamapps/shadercache/620980/DXVK_state_cache"))
}

func TestSteamModifierNonSteamApp(t *testing.T) {
	root := t.TempDir()
	app := AppDescriptor{AppFolder: t.TempDir(), Executable: "/games/custom/Game.exe"}
	cmd := exec.Command("true")
	cmd.Env = []string{}

	require.NoError(t, SteamModifier{Root: root, User: "player"}.Apply(cmd, app, CompatTool{}))

	id, _ := LookupEnv(cmd, "SteamGameId")
	assert.Len(t, id, 20)
	assert.Equal(t, shortcutID(app.Executable), id)
	appID, _ := LookupEnv(cmd, "SteamAppId")
	assert.Equal(t, "0", appID)
}

func TestSteamModifierMissingRoot(t *testing.T) {
	err := SteamModifier{Root: "/nonexistent/steam", User: "player"}.Apply(exec.Command("true"), AppDescriptor{}, CompatTool{})
	assert.ErrorIs(t, err, ErrPreflightPathMissing)
}
