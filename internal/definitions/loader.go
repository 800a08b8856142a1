// Package definitions loads agents, playbooks, the command allowlist and
// device credentials from YAML files.
package definitions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrUnknownDevice is returned for a device with no credentials
var ErrUnknownDevice = errors.New("unknown device")

// DeviceEntry is the file form of a device credential. Secrets may be taken
// from the environment or a key file.
type DeviceEntry struct {
	ID             string `yaml:"id"`
	Address        string `yaml:"address"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	PasswordEnv    string `yaml:"password_env"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	HostKey        string `yaml:"host_key"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// File is the layout of one definitions file. Every section is optional.
type File struct {
	Agents    []model.AgentDefinition `yaml:"agents"`
	Playbooks []model.Playbook        `yaml:"playbooks"`
	Allowlist []model.AllowlistEntry  `yaml:"allowlist"`
	Devices   []DeviceEntry           `yaml:"devices"`
}

// Snapshot is one consistent load of every definitions file
type Snapshot struct {
	Agents    []model.AgentDefinition
	Playbooks map[string]*model.Playbook // by trigger finding type
	Allowlist []model.AllowlistEntry
	Devices   map[string]model.SSHCredential
	Version   int64
}

// Loader reads definitions from a file or directory and keeps the latest snapshot
type Loader struct {
	path     string
	logger   *slog.Logger
	mu       sync.RWMutex
	snapshot *Snapshot
	watchers []chan struct{}
}

// NewLoader creates a new definitions loader
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger.With("component", "definitions"),
	}
}

// Load reads every definitions file and replaces the current snapshot. On
// error the previous snapshot is kept.
func (l *Loader) Load() (*Snapshot, error) {
	files, err := l.readFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	agents := make(map[string]model.AgentDefinition)
	snap := &Snapshot{
		Playbooks: make(map[string]*model.Playbook),
		Devices:   make(map[string]model.SSHCredential),
		Version:   time.Now().UnixNano(),
	}

	// later files override earlier ones by name, trigger or device id
	for _, file := range files {
		f, err := parseFile(file)
		if err != nil {
			return nil, err
		}
		for _, a := range f.Agents {
			if a.Name == "" || !a.Type.Valid() {
				return nil, fmt.Errorf("%s: agent %q has invalid type %q", file, a.Name, a.Type)
			}
			if _, ok := agents[a.Name]; ok {
				l.logger.Info("Agent definition overridden", "agent", a.Name, "file", file)
			}
			agents[a.Name] = a
		}
		for i := range f.Playbooks {
			pb := f.Playbooks[i]
			if err := validatePlaybook(pb); err != nil {
				l.logger.Warn("Invalid playbook skipped", "playbook", pb.ID, "file", file, "error", err)
				continue
			}
			snap.Playbooks[pb.Trigger] = &pb
		}
		snap.Allowlist = append(snap.Allowlist, f.Allowlist...)
		for _, d := range f.Devices {
			cred, err := resolveDevice(filepath.Dir(file), d)
			if err != nil {
				l.logger.Warn("Device credentials skipped", "device", d.ID, "file", file, "error", err)
				continue
			}
			snap.Devices[d.ID] = cred
		}
	}

	for _, a := range agents {
		snap.Agents = append(snap.Agents, a)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Name < snap.Agents[j].Name })

	l.logger.Info("Definitions loaded",
		"files", len(files),
		"agents", len(snap.Agents),
		"playbooks", len(snap.Playbooks),
		"allowlist_entries", len(snap.Allowlist),
		"devices", len(snap.Devices),
		"version", snap.Version)

	l.mu.Lock()
	l.snapshot = snap
	l.mu.Unlock()
	l.notifyWatchers()
	return snap, nil
}

func validatePlaybook(pb model.Playbook) error {
	if pb.Trigger == "" {
		return errors.New("trigger is required")
	}
	if len(pb.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i, s := range pb.Steps {
		if strings.TrimSpace(s.CommandTemplate) == "" {
			return fmt.Errorf("step %d has no command_template", i)
		}
		if s.TimeoutSeconds < 0 || s.RetryCount < 0 {
			return fmt.Errorf("step %d has a negative timeout or retry count", i)
		}
	}
	return nil
}

func resolveDevice(dir string, d DeviceEntry) (model.SSHCredential, error) {
	if d.ID == "" || d.Username == "" {
		return model.SSHCredential{}, errors.New("id and username are required")
	}
	cred := model.SSHCredential{
		DeviceID:       d.ID,
		Address:        d.Address,
		Username:       d.Username,
		Password:       d.Password,
		HostKey:        d.HostKey,
		KnownHostsFile: d.KnownHostsFile,
	}
	if d.PasswordEnv != "" {
		cred.Password = os.Getenv(d.PasswordEnv)
	}
	if d.PassphraseEnv != "" {
		cred.Passphrase = os.Getenv(d.PassphraseEnv)
	}
	if d.PrivateKeyFile != "" {
		path := d.PrivateKeyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return model.SSHCredential{}, fmt.Errorf("failed to read private key: %w", err)
		}
		cred.PrivateKey = key
	}
	if cred.Password == "" && len(cred.PrivateKey) == 0 {
		return model.SSHCredential{}, errors.New("neither password nor private key is set")
	}
	return cred, nil
}

// readFiles lists YAML files under the path, sorted by name
func (l *Loader) readFiles() ([]string, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{l.path}, nil
	}

	var files []string
	err = filepath.WalkDir(l.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isDefinitionFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// parseFile decodes all YAML documents in a file, rejecting unknown keys
func parseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	out := &File{}
	for {
		var doc File
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		out.Agents = append(out.Agents, doc.Agents...)
		out.Playbooks = append(out.Playbooks, doc.Playbooks...)
		out.Allowlist = append(out.Allowlist, doc.Allowlist...)
		out.Devices = append(out.Devices, doc.Devices...)
	}
	return out, nil
}

func (l *Loader) current() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return &Snapshot{Playbooks: map[string]*model.Playbook{}, Devices: map[string]model.SSHCredential{}}
	}
	return l.snapshot
}

// Snapshot returns the current snapshot. It must not be modified.
func (l *Loader) Snapshot() *Snapshot {
	return l.current()
}

// GetPlaybook returns a copy of the playbook triggered by findingType
func (l *Loader) GetPlaybook(findingType string) (*model.Playbook, bool) {
	pb, ok := l.current().Playbooks[findingType]
	if !ok {
		return nil, false
	}
	cp := *pb
	cp.Steps = append([]model.PlaybookStep(nil), pb.Steps...)
	return &cp, true
}

// GetAgentDefinitions returns every agent definition
func (l *Loader) GetAgentDefinitions(_ context.Context) ([]model.AgentDefinition, error) {
	snap := l.current()
	out := make([]model.AgentDefinition, len(snap.Agents))
	copy(out, snap.Agents)
	return out, nil
}

// GetDeviceCredentials returns the credentials of a device
func (l *Loader) GetDeviceCredentials(_ context.Context, deviceID string) (*model.SSHCredential, error) {
	cred, ok := l.current().Devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return &cred, nil
}

// Allowlist returns the allowlist entries in file order
func (l *Loader) Allowlist() []model.AllowlistEntry {
	snap := l.current()
	out := make([]model.AllowlistEntry, len(snap.Allowlist))
	copy(out, snap.Allowlist)
	return out
}

// Subscribe returns a channel signalled after every successful load
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()
	return ch
}

func (l *Loader) notifyWatchers() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
