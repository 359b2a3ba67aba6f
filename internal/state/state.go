// Package state persists the project/instance registry the bridge routes
// against. The on-disk format is the JSON written by the provisioning CLI;
// reads tolerate the legacy channel fields older installs still carry.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// Instance is one running agent session bound to a tmux window and a chat
// channel.
type Instance struct {
	InstanceID       string `json:"instanceId"`
	AgentType        string `json:"agentType"`
	ChannelID        string `json:"channelId"`
	TmuxWindow       string `json:"tmuxWindow,omitempty"`
	EventHookEnabled bool   `json:"eventHookEnabled,omitempty"`
}

// UnmarshalJSON accepts the legacy "discordChannelId" alias for channelId.
func (i *Instance) UnmarshalJSON(data []byte) error {
	type alias Instance
	aux := struct {
		*alias
		LegacyChannelID string `json:"discordChannelId"`
	}{alias: (*alias)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if i.ChannelID == "" {
		i.ChannelID = aux.LegacyChannelID
	}
	return nil
}

// Project groups the instances provisioned for one working directory.
type Project struct {
	ProjectPath string              `json:"projectPath,omitempty"`
	Instances   map[string]Instance `json:"instances,omitempty"`
	// Legacy per-agent-type channel map kept for old state files.
	Channels map[string]string `json:"discordChannels,omitempty"`
}

// Ref identifies one instance fully, the way the rest of the bridge refers
// to it.
type Ref struct {
	ProjectName      string
	InstanceID       string
	AgentType        string
	TmuxWindow       string
	ChannelID        string
	EventHookEnabled bool
}

// Key returns the routing key for this instance: project plus the instance
// id, or the agent type when no explicit id was assigned.
func (r Ref) Key() string {
	id := r.InstanceID
	if id == "" {
		id = r.AgentType
	}
	return r.ProjectName + "/" + id
}

// Store is the persistence surface the bridge core depends on.
type Store interface {
	GetProject(name string) (Project, bool)
	SetProject(name string, p Project) error
	RemoveProject(name string) error
	ListProjects() []string

	// FindChannel resolves the delivery channel for a project/agent pair,
	// preferring an exact instance id, then the first instance of the agent
	// type in sorted id order, then the legacy channel map.
	FindChannel(project, agentType, instanceID string) (string, bool)

	// Resolve returns the full instance ref for a project/agent pair using
	// the same preference order as FindChannel.
	Resolve(project, agentType, instanceID string) (Ref, bool)

	// FindByChannel returns the instance bound to a chat channel.
	FindByChannel(channelID string) (Ref, bool)

	// RemoveInstance deletes one instance from its project.
	RemoveInstance(project, instanceID string) error

	// ProjectPath returns the working directory of a project.
	ProjectPath(project string) (string, bool)

	// Instances returns every provisioned instance across all projects.
	Instances() []Ref

	// Reload re-reads the backing file.
	Reload() error
}

// FileStore is a Store backed by a JSON file guarded with an advisory lock
// so the bridge and the provisioning CLI don't interleave writes.
type FileStore struct {
	path string
	lock *flock.Flock

	mu       sync.RWMutex
	projects map[string]Project
}

// NewFileStore opens (or initializes) the state file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		lock:     flock.New(path + ".lock"),
		projects: make(map[string]Project),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

type fileSchema struct {
	Projects map[string]Project `json:"projects"`
}

// Reload re-reads the state file. A missing file yields an empty registry.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.projects = make(map[string]Project)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	if schema.Projects == nil {
		schema.Projects = make(map[string]Project)
	}

	s.mu.Lock()
	s.projects = schema.Projects
	s.mu.Unlock()
	return nil
}

// save writes the registry back atomically: temp file then rename, under
// the advisory file lock.
func (s *FileStore) save() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking state file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := json.MarshalIndent(fileSchema{Projects: s.projects}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (s *FileStore) GetProject(name string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[name]
	return p, ok
}

func (s *FileStore) SetProject(name string, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[name] = p
	return s.save()
}

func (s *FileStore) RemoveProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, name)
	return s.save()
}

func (s *FileStore) ListProjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *FileStore) FindChannel(project, agentType, instanceID string) (string, bool) {
	ref, ok := s.Resolve(project, agentType, instanceID)
	if ok && ref.ChannelID != "" {
		return ref.ChannelID, true
	}

	// Legacy per-agent-type channel map.
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[project]
	if !ok {
		return "", false
	}
	if ch := strings.TrimSpace(p.Channels[agentType]); ch != "" {
		return ch, true
	}
	return "", false
}

func (s *FileStore) Resolve(project, agentType, instanceID string) (Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(project, agentType, instanceID)
}

// resolveLocked is Resolve without locking; callers hold s.mu.
func (s *FileStore) resolveLocked(project, agentType, instanceID string) (Ref, bool) {
	p, ok := s.projects[project]
	if !ok {
		return Ref{}, false
	}

	if instanceID != "" {
		if inst, ok := p.Instances[instanceID]; ok {
			return makeRef(project, instanceID, inst), true
		}
	}

	// Primary instance: first of the agent type in sorted id order.
	ids := make([]string, 0, len(p.Instances))
	for id := range p.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inst := p.Instances[id]
		if strings.EqualFold(inst.AgentType, agentType) {
			return makeRef(project, id, inst), true
		}
	}
	return Ref{}, false
}

func (s *FileStore) FindByChannel(channelID string) (Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := s.projects[name]
		ids := make([]string, 0, len(p.Instances))
		for id := range p.Instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if p.Instances[id].ChannelID == channelID {
				return makeRef(name, id, p.Instances[id]), true
			}
		}
	}

	// Legacy channel map: the channel names an agent type; resolve that
	// type's primary instance.
	for _, name := range names {
		p := s.projects[name]
		for agentType, ch := range p.Channels {
			if ch != channelID {
				continue
			}
			if ref, ok := s.resolveLocked(name, agentType, ""); ok {
				return ref, true
			}
		}
	}
	return Ref{}, false
}

func (s *FileStore) RemoveInstance(project, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[project]
	if !ok {
		return fmt.Errorf("project %s not found", project)
	}
	delete(p.Instances, instanceID)
	s.projects[project] = p
	return s.save()
}

func (s *FileStore) ProjectPath(project string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[project]
	if !ok || p.ProjectPath == "" {
		return "", false
	}
	return p.ProjectPath, true
}

func (s *FileStore) Instances() []Ref {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []Ref
	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := s.projects[name]
		ids := make([]string, 0, len(p.Instances))
		for id := range p.Instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			refs = append(refs, makeRef(name, id, p.Instances[id]))
		}
	}
	return refs
}

func makeRef(project, key string, inst Instance) Ref {
	id := strings.TrimSpace(inst.InstanceID)
	if id == "" {
		id = key
	}
	return Ref{
		ProjectName:      project,
		InstanceID:       id,
		AgentType:        inst.AgentType,
		TmuxWindow:       inst.TmuxWindow,
		ChannelID:        inst.ChannelID,
		EventHookEnabled: inst.EventHookEnabled,
	}
}
