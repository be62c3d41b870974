// Package catalog resolves library entries into launchable applications and
// compatibility tools.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/svrl/svrl/internal/config"
	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
)

// ErrNotFound is returned when an app or compat tool is unknown
var ErrNotFound = errors.New("not found in catalog")

// Catalog looks up installed applications and compat tools
type Catalog interface {
	FindInstalledApp(steamID uint32) (launcher.AppDescriptor, error)
	FindCompatTool(name string) (launcher.CompatTool, error)
}

var (
	vdfPath        = regexp.MustCompile(`"path"\s+"([^"]+)"`)
	vdfAppID       = regexp.MustCompile(`"appid"\s+"(\d+)"`)
	vdfName        = regexp.MustCompile(`"name"\s+"([^"]*)"`)
	vdfInstallDir  = regexp.MustCompile(`"installdir"\s+"([^"]+)"`)
	appManifestExt = regexp.MustCompile(`^appmanifest_(\d+)\.acf$`)
)

// Steam combines configured apps and tools with what is installed in the
// local Steam libraries
type Steam struct {
	root  string
	apps  []config.App
	tools []config.CompatTool
	log   *logger.Logger
}

// NewSteam returns a catalog rooted at the Steam installation root
func NewSteam(root string, cfg config.Catalog, log *logger.Logger) *Steam {
	if log == nil {
		log = logger.Nop()
	}
	return &Steam{root: root, apps: cfg.Apps, tools: cfg.CompatTools, log: log}
}

// InstalledApp is an app manifest found in a Steam library
type InstalledApp struct {
	SteamID    uint32
	Name       string
	InstallDir string
}

// Libraries returns the Steam library folders, the root library first
func (s *Steam) Libraries() []string {
	libs := []string{s.root}
	seen := map[string]bool{filepath.Clean(s.root): true}

	data, err := os.ReadFile(filepath.Join(s.root, "steamapps", "libraryfolders.vdf"))
	if err != nil {
		return libs
	}
	for _, m := range vdfPath.FindAllStringSubmatch(string(data), -1) {
		path := filepath.Clean(m[1])
		if seen[path] {
			continue
		}
		seen[path] = true
		libs = append(libs, path)
	}
	return libs
}

// InstalledApps scans every library for app manifests
func (s *Steam) InstalledApps() []InstalledApp {
	var apps []InstalledApp
	seen := make(map[uint32]bool)

	for _, lib := range s.Libraries() {
		dir := filepath.Join(lib, "steamapps")
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !appManifestExt.MatchString(entry.Name()) {
				continue
			}
			app, err := readAppManifest(filepath.Join(dir, entry.Name()))
			if err != nil {
				s.log.Debugw("skipping app manifest", "path", entry.Name(), "error", err)
				continue
			}
			if seen[app.SteamID] {
				continue
			}
			seen[app.SteamID] = true
			app.InstallDir = filepath.Join(dir, "common", app.InstallDir)
			apps = append(apps, app)
		}
	}
	return apps
}

func readAppManifest(path string) (InstalledApp, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InstalledApp{}, err
	}
	text := string(data)

	id := vdfAppID.FindStringSubmatch(text)
	dir := vdfInstallDir.FindStringSubmatch(text)
	if id == nil || dir == nil {
		return InstalledApp{}, fmt.Errorf("incomplete app manifest %s", path)
	}
	steamID, err := strconv.ParseUint(id[1], 10, 32)
	if err != nil {
		return InstalledApp{}, err
	}

	app := InstalledApp{SteamID: uint32(steamID), InstallDir: dir[1]}
	if name := vdfName.FindStringSubmatch(text); name != nil {
		app.Name = name[1]
	}
	return app, nil
}

// FindInstalledApp returns the configured launch entry for steamID. The
// install folder defaults to the app's directory in a Steam library.
func (s *Steam) FindInstalledApp(steamID uint32) (launcher.AppDescriptor, error) {
	for _, app := range s.apps {
		if app.SteamID != steamID {
			continue
		}

		desc := launcher.AppDescriptor{
			SteamID:    app.SteamID,
			Title:      app.Title,
			AppFolder:  app.AppFolder,
			WorkingDir: app.WorkingDir,
			Executable: app.Executable,
			Args:       app.Args,
		}
		if desc.AppFolder == "" || desc.Title == "" {
			for _, installed := range s.InstalledApps() {
				if installed.SteamID != steamID {
					continue
				}
				if desc.AppFolder == "" {
					desc.AppFolder = installed.InstallDir
				}
				if desc.Title == "" {
					desc.Title = installed.Name
				}
				break
			}
		}
		if desc.WorkingDir != "" && !filepath.IsAbs(desc.WorkingDir) {
			desc.WorkingDir = filepath.Join(desc.AppFolder, desc.WorkingDir)
		}
		return desc, nil
	}
	return launcher.AppDescriptor{}, fmt.Errorf("%w: steam app %d", ErrNotFound, steamID)
}

// CompatTools lists configured tools, custom tools in compatibilitytools.d
// and Proton versions installed as Steam apps, sorted by name
func (s *Steam) CompatTools() []launcher.CompatTool {
	var tools []launcher.CompatTool
	seen := make(map[string]bool)
	add := func(t launcher.CompatTool) {
		if seen[t.Name] {
			return
		}
		seen[t.Name] = true
		tools = append(tools, t)
	}

	for _, t := range s.tools {
		add(launcher.CompatTool{Name: t.Name, Executable: t.Executable})
	}

	custom := filepath.Join(s.root, "compatibilitytools.d")
	if entries, err := os.ReadDir(custom); err == nil {
		for _, entry := range entries {
			proton := filepath.Join(custom, entry.Name(), "proton")
			if _, err := os.Stat(proton); err == nil {
				add(launcher.CompatTool{Name: entry.Name(), Executable: proton})
			}
		}
	}

	for _, app := range s.InstalledApps() {
		proton := filepath.Join(app.InstallDir, "proton")
		if _, err := os.Stat(proton); err != nil {
			continue
		}
		name := app.Name
		if name == "" {
			name = filepath.Base(app.InstallDir)
		}
		add(launcher.CompatTool{Name: name, SteamID: app.SteamID, Executable: proton})
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// FindCompatTool returns the compat tool with the given name
func (s *Steam) FindCompatTool(name string) (launcher.CompatTool, error) {
	for _, t := range s.CompatTools() {
		if t.Name == name {
			return t, nil
		}
	}
	return launcher.CompatTool{}, fmt.Errorf("%w: compat tool %q", ErrNotFound, name)
}
