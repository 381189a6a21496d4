package domain

// ModelOption describes one faster-whisper model preset known to the catalog.
type ModelOption struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	SizeLabel   string `json:"sizeLabel,omitempty"`
	Description string `json:"description,omitempty"`
	Downloaded  bool   `json:"downloaded"`
	LocalPath   string `json:"localPath,omitempty"`
}

// ModelLocation is the catalog answer for one model name.
type ModelLocation struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}
