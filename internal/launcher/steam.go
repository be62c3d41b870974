package launcher

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	steamApps   = "steamapps"
	compatData  = "steamapps/compatdata"
	common      = "steamapps/common"
	shaderCache = "steamapps/shadercache"
	loginUsers  = "config/loginusers.vdf"
)

// SteamModifier reproduces the environment the Steam client sets up for a
// compat-tool launch: app ids, compat data and shader cache locations.
type SteamModifier struct {
	Root string
	User string
}

// Apply sets the Steam environment and creates the per-app data directories
func (m SteamModifier) Apply(cmd *exec.Cmd, app AppDescriptor, tool CompatTool) error {
	if _, err := os.Stat(m.Root); err != nil {
		return &PathError{Kind: "steam root", Path: m.Root}
	}

	user := m.User
	if user == "" {
		name, err := mostRecentUser(filepath.Join(m.Root, loginUsers))
		if err != nil {
			return err
		}
		user = name
	}

	appID := strconv.FormatUint(uint64(app.SteamID), 10)
	gameID := appID
	if app.SteamID == 0 {
		gameID = shortcutID(app.Executable)
	}

	cache := filepath.Join(m.Root, shaderCache, gameID)
	sniper := filepath.Join(m.Root, common, "SteamLinuxRuntime_sniper")

	env := EnvModifier{
		"SteamAppId":         appID,
		"SteamGameId":        gameID,
		"SteamOverlayGameId": gameID,
		"SteamUser":          user,
		"SteamEnv":           "1",

		"STEAM_COMPAT_APP_ID":                appID,
		"STEAM_COMPAT_CLIENT_INSTALL_PATH":   m.Root,
		"STEAM_COMPAT_DATA_PATH":             filepath.Join(m.Root, compatData, gameID),
		"STEAM_COMPAT_FLAGS":                 "search-cwd",
		"STEAM_COMPAT_LIBRARY_PATHS":         filepath.Join(m.Root, steamApps),
		"STEAM_COMPAT_INSTALL_PATH":          app.AppFolder,
		"STEAM_COMPAT_MOUNTS":                sniper,
		"STEAM_COMPAT_PROTON":                "1",
		"STEAM_COMPAT_SHADER_PATH":           cache,
		"STEAM_COMPAT_MEDIA_PATH":            filepath.Join(cache, "fozmediav1"),
		"STEAM_COMPAT_TRANSCODED_MEDIA_PATH": cache,
		"STEAM_BASE_FOLDER":                  m.Root,
		"STEAM_CLIENT_CONFIG_FILE":           filepath.Join(m.Root, "steam.cfg"),
		"STEAM_FOSSILIZE_DUMP_PATH":          filepath.Join(cache, "fozpipelinesv6", "steamapprun_pipeline_cache"),

		"AMD_VK_PIPELINE_CACHE_FILENAME":            "steamapp_shader_cache",
		"AMD_VK_PIPELINE_CACHE_PATH":                filepath.Join(cache, "AMDv1"),
		"AMD_VK_USE_PIPELINE_CACHE":                 "1",
		"DXVK_STATE_CACHE_PATH":                     filepath.Join(cache, "DXVK_state_cache"),
		"FOSSILIZE_APPLICATION_INFO_FILTER_PATH":    filepath.Join(m.Root, "fossilize_engine_filters.json"),
		"SDL_JOYSTICK_HIDAPI_STEAMXBOX":             "0",
		"SDL_VIDEO_X11_DGAMOUSE":                    "0",
		"DISABLE_LAYER_AMD_SWITCHABLE_GRAPHICS_1":   "1",
		"ENABLE_VK_LAYER_VALVE_steam_fossilize_1":   "1",
		"ENABLE_VK_LAYER_VALVE_steam_overlay_1":     "1",
		"MESA_DISK_CACHE_SINGLE_FILE":               "1",
		"MESA_GLSL_CACHE_MAX_SIZE":                  "5G",
		"MESA_SHADER_CACHE_MAX_SIZE":                "5G",
		"MESA_GLSL_CACHE_DIR":                       cache,
		"MESA_SHADER_CACHE_DIR":                     cache,
		"__GL_SHADER_DISK_CACHE_SKIP_CLEANUP":       "1",
		"__GL_SHADER_DISK_CACHE_APP_NAME":           "steamapp_shader_cache",
		"__GL_SHADER_DISK_CACHE_READ_ONLY_APP_NAME": "steam_shader_cache;steamapp_merged_shader_cache",
		"__GL_SHADER_DISK_CACHE_PATH":               filepath.Join(cache, "fozmediav1"),
		"WINEDLLOVERRIDES":                          "winhttp=n,b",

		"SDL_GAMECONTROLLER_ALLOW_STEAM_VIRTUAL_GAMEPAD": "1",
	}
	if tool.Executable != "" {
		env["STEAM_COMPAT_TOOL_PATHS"] = strings.Join([]string{filepath.Dir(tool.Executable), sniper}, ":")
	}
	if err := env.Apply(cmd, app, tool); err != nil {
		return err
	}

	if app.AppFolder != "" {
		cmd.Dir = app.AppFolder
		SetEnv(cmd, "PWD", app.AppFolder)
	}

	dirs := []string{
		filepath.Join(m.Root, compatData, gameID),
		filepath.Join(cache, "fozmediav1"),
		filepath.Join(cache, "fozpipelinesv6"),
		filepath.Join(cache, "DXVK_state_cache"),
		filepath.Join(cache, "AMDv1"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// shortcutID derives a stable 20-digit id for apps Steam does not know about
func shortcutID(seed string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return fmt.Sprintf("%020d", h.Sum64())[:20]
}

var (
	userBlock   = regexp.MustCompile(`"\d+"\s*\{([^}]*)\}`)
	accountName = regexp.MustCompile(`"AccountName"\s+"([^"]*)"`)
	mostRecent  = regexp.MustCompile(`"MostRecent"\s+"1"`)
)

// mostRecentUser reads the account name of the most recently signed in
// Steam user, falling back to the first listed user.
func mostRecentUser(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read steam user database: %w", err)
	}

	var first string
	for _, block := range userBlock.FindAllStringSubmatch(string(data), -1) {
		m := accountName.FindStringSubmatch(block[1])
		if m == nil {
			continue
		}
		if first == "" {
			first = m[1]
		}
		if mostRecent.MatchString(block[1]) {
			return m[1], nil
		}
	}
	if first == "" {
		return "", fmt.Errorf("no steam users found in %s", path)
	}
	return first, nil
}
