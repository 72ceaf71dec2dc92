package client

// ServiceStatus mirrors one entry of the status document.
type ServiceStatus struct {
	Status      string   `json:"status"`
	URL         string   `json:"url"`
	Branch      string   `json:"branch"`
	RepoPath    string   `json:"repo_path"`
	ScriptToRun string   `json:"script_to_run"`
	ManagerPID  int      `json:"service_manager_pid"`
	ScriptPID   *int     `json:"script_pid"`
	Logs        []string `json:"logs"`
}

// Running reports whether a worker process is currently attached.
func (s ServiceStatus) Running() bool { return s.Status == "running" && s.ScriptPID != nil }

// StatusResponse is the document served at <base>/status, keyed by checkout path.
type StatusResponse struct {
	ManagerPID int                      `json:"manager_pid"`
	APIURL     string                   `json:"api_url"`
	Services   map[string]ServiceStatus `json:"services"`
}
