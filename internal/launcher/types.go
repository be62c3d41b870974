package launcher

// AppDescriptor describes an application ready to be launched
type AppDescriptor struct {
	SteamID    uint32
	Title      string
	AppFolder  string
	WorkingDir string
	Executable string
	Args       []string
	Env        map[string]string
}

// ResolvedWorkingDir returns the working directory, defaulting to the install folder
func (a AppDescriptor) ResolvedWorkingDir() string {
	if a.WorkingDir != "" {
		return a.WorkingDir
	}
	return a.AppFolder
}

// CompatTool is a compatibility layer that runs the application executable
type CompatTool struct {
	Name       string
	SteamID    uint32
	Executable string
}
