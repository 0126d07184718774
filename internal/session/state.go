package session

// State is a provider session lifecycle state.
type State int

const (
	StateLoggedOut State = iota
	StateLoggingIn
	StateLoggedIn
	StateNavigating
	StateExportRequested
	StateDownloading
	StateDownloadComplete
	StateFailed
)

var stateNames = [...]string{
	StateLoggedOut:        "logged_out",
	StateLoggingIn:        "logging_in",
	StateLoggedIn:         "logged_in",
	StateNavigating:       "navigating",
	StateExportRequested:  "export_requested",
	StateDownloading:      "downloading",
	StateDownloadComplete: "download_complete",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible without starting over.
func (s State) Terminal() bool {
	return s == StateDownloadComplete || s == StateFailed
}
