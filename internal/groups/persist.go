package groups

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/store"
)

// ConfigKey is the key under which the group table is kept in a keyed
// configuration store.
const ConfigKey = "ListOfGroups"

// ErrPersistenceMismatch is logged when the file and the configuration store
// hold different group tables.
var ErrPersistenceMismatch = errors.New("group snapshot sources disagree")

// Source names where a loaded table came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceFile   Source = "file"
	SourceConfig Source = "config"
)

// Persister saves and loads the group table to a JSON file and, optionally,
// to a keyed configuration store.
type Persister struct {
	file         string
	config       store.ConfigStore
	preferConfig bool
	logger       *slog.Logger
	now          func() time.Time
}

// NewPersister creates a Persister. config may be nil. With preferConfig set,
// Load takes the configuration store copy when it is at least as recent as
// the file.
func NewPersister(file string, config store.ConfigStore, preferConfig bool, logger *slog.Logger) *Persister {
	return &Persister{
		file:         file,
		config:       config,
		preferConfig: preferConfig,
		logger:       logger.With("component", "groups-persist"),
		now:          time.Now,
	}
}

// Encode renders a group table as indented JSON with sorted keys.
func Encode(groups map[codec.GroupID]*Group) ([]byte, error) {
	if groups == nil {
		groups = map[codec.GroupID]*Group{}
	}
	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode groups: %w", err)
	}
	return data, nil
}

// Save writes the table of r to the file and, when configured, the
// configuration store.
func (p *Persister) Save(r *Registry) error {
	snap := r.Snapshot()
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if p.file != "" {
		if err := os.WriteFile(p.file, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", p.file, err)
		}
	}
	if p.config != nil {
		item, err := store.NewConfigItem(snap, p.now())
		if err != nil {
			return err
		}
		if err := p.config.SetConfigItem(ConfigKey, item); err != nil {
			return fmt.Errorf("store %s: %w", ConfigKey, err)
		}
	}
	p.logger.Info("group list saved", "groups", len(snap), "file", p.file, "config", p.config != nil)
	return nil
}

// Load reads both sources, picks one, and replaces the table of r with it.
func (p *Persister) Load(r *Registry) (Source, error) {
	fileGroups, fileTime, fileOK, err := p.readFile()
	if err != nil {
		return SourceNone, err
	}
	cfgGroups, cfgTime, cfgOK, err := p.readConfig()
	if err != nil {
		return SourceNone, err
	}

	if fileOK && cfgOK && len(fileGroups) > 0 && len(cfgGroups) > 0 {
		if !sameTable(fileGroups, cfgGroups) {
			p.logger.Warn("group list sources differ",
				"error", ErrPersistenceMismatch,
				"file_groups", len(fileGroups), "config_groups", len(cfgGroups))
		}
	}

	var (
		chosen map[codec.GroupID]*Group
		src    Source
	)
	switch {
	case cfgOK && p.preferConfig && (!fileOK || cfgTime.UnixMilli() >= fileTime.UnixMilli()):
		chosen, src = cfgGroups, SourceConfig
	case fileOK:
		chosen, src = fileGroups, SourceFile
	case cfgOK:
		chosen, src = cfgGroups, SourceConfig
	default:
		src = SourceNone
	}

	r.Replace(chosen)
	p.logger.Info("group list loaded", "groups", r.Len(), "source", src)
	return src, nil
}

func (p *Persister) readFile() (map[codec.GroupID]*Group, time.Time, bool, error) {
	if p.file == "" {
		return nil, time.Time{}, false, nil
	}
	info, err := os.Stat(p.file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("stat %s: %w", p.file, err)
	}
	data, err := os.ReadFile(p.file)
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("read %s: %w", p.file, err)
	}
	groups := make(map[codec.GroupID]*Group)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &groups); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("parse %s: %w", p.file, err)
		}
	}
	return groups, info.ModTime(), true, nil
}

func (p *Persister) readConfig() (map[codec.GroupID]*Group, time.Time, bool, error) {
	if p.config == nil {
		return nil, time.Time{}, false, nil
	}
	item, err := p.config.GetConfigItem(ConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("load %s: %w", ConfigKey, err)
	}
	groups := make(map[codec.GroupID]*Group)
	if err := item.Decode(&groups); err != nil {
		return nil, time.Time{}, false, err
	}
	return groups, item.Time(), true, nil
}

func sameTable(a, b map[codec.GroupID]*Group) bool {
	ea, errA := Encode(a)
	eb, errB := Encode(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
