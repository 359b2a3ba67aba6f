package hookserver

import (
	"os"
	"path/filepath"
	"strings"
)

// agentEvent is the sequenced lifecycle payload posted to /agent-event.
// Field names match what the agent-side hook scripts emit.
type agentEvent struct {
	ProjectName  string `json:"projectName"`
	AgentType    string `json:"agentType"`
	InstanceID   string `json:"instanceId"`
	Type         string `json:"type"`
	TurnID       string `json:"turnId"`
	Seq          int64  `json:"seq"`
	EventID      string `json:"eventId"`
	Text         string `json:"text"`
	Message      string `json:"message"`
	ProgressMode string `json:"progressMode"`
}

func (e agentEvent) projectName() string { return strings.TrimSpace(e.ProjectName) }

func (e agentEvent) agentType() string {
	if t := strings.TrimSpace(e.AgentType); t != "" {
		return t
	}
	return "opencode"
}

func (e agentEvent) instanceID() string { return strings.TrimSpace(e.InstanceID) }

func (e agentEvent) eventType() string { return strings.TrimSpace(e.Type) }

// eventText prefers text over message, both trimmed.
func (e agentEvent) eventText() string {
	if t := strings.TrimSpace(e.Text); t != "" {
		return t
	}
	return strings.TrimSpace(e.Message)
}

// opencodeEvent is the unsequenced capture-bypass payload posted to
// /opencode-event. turnText, when present, is searched for generated file
// paths instead of the display text.
type opencodeEvent struct {
	ProjectName string `json:"projectName"`
	AgentType   string `json:"agentType"`
	InstanceID  string `json:"instanceId"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	Message     string `json:"message"`
	TurnText    string `json:"turnText"`
}

func (e opencodeEvent) projectName() string { return strings.TrimSpace(e.ProjectName) }

func (e opencodeEvent) agentType() string {
	if t := strings.TrimSpace(e.AgentType); t != "" {
		return t
	}
	return "opencode"
}

func (e opencodeEvent) instanceID() string { return strings.TrimSpace(e.InstanceID) }

func (e opencodeEvent) eventType() string { return strings.TrimSpace(e.Type) }

func (e opencodeEvent) eventText() string {
	if t := strings.TrimSpace(e.Text); t != "" {
		return t
	}
	return strings.TrimSpace(e.Message)
}

func (e opencodeEvent) turnText() string { return strings.TrimSpace(e.TurnText) }

// sendFilesRequest is the payload posted to /send-files.
type sendFilesRequest struct {
	ProjectName string   `json:"projectName"`
	AgentType   string   `json:"agentType"`
	InstanceID  string   `json:"instanceId"`
	Files       []string `json:"files"`
}

func (e sendFilesRequest) projectName() string { return strings.TrimSpace(e.ProjectName) }

func (e sendFilesRequest) agentType() string {
	if t := strings.TrimSpace(e.AgentType); t != "" {
		return t
	}
	return "opencode"
}

func (e sendFilesRequest) instanceID() string { return strings.TrimSpace(e.InstanceID) }

// validFilePaths keeps only paths that exist and resolve inside the
// project directory. Symlinks are resolved first so a link pointing out
// of the project can't smuggle an outside file into the channel.
func validFilePaths(paths []string, projectPath string) []string {
	if projectPath == "" {
		return nil
	}
	root, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		root = projectPath
	}

	var valid []string
	for _, raw := range paths {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := os.Stat(raw); err != nil {
			continue
		}
		real, err := filepath.EvalSymlinks(raw)
		if err != nil {
			continue
		}
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			valid = append(valid, raw)
		}
	}
	return valid
}
