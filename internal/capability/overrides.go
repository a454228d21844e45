package capability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Override forces the MAC capability byte for a device model that misreports
// it (typically mains-powered routers claiming to be battery end devices).
type Override struct {
	Manufacturer  string `json:"manufacturer,omitempty"`
	Model         string `json:"model"`
	MACCapability string `json:"mac_capability"`
	Comment       string `json:"comment,omitempty"`
}

// ManufacturerGroup groups overrides under one manufacturer name.
type ManufacturerGroup struct {
	Name   string     `json:"name"`
	Models []Override `json:"models"`
}

// Overrides holds MAC capability overrides keyed by model, optionally
// narrowed to a manufacturer.
type Overrides struct {
	byModel map[string]uint8
}

func overrideKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewOverrides creates an empty override table.
func NewOverrides() *Overrides {
	return &Overrides{byModel: make(map[string]uint8)}
}

// Add registers an override. The capability must be a 2-digit hex byte.
func (o *Overrides) Add(ov Override) error {
	v, err := strconv.ParseUint(ov.MACCapability, 16, 8)
	if err != nil || len(ov.MACCapability) != 2 {
		return fmt.Errorf("override %q: bad mac_capability %q", ov.Model, ov.MACCapability)
	}
	o.byModel[overrideKey(ov.Manufacturer, ov.Model)] = uint8(v)
	return nil
}

// Lookup returns the forced capability byte for a model. A manufacturer
// specific entry wins over a model-only one.
func (o *Overrides) Lookup(manufacturer, model string) (uint8, bool) {
	if o == nil || model == "" {
		return 0, false
	}
	if v, ok := o.byModel[overrideKey(manufacturer, model)]; ok && manufacturer != "" {
		return v, true
	}
	v, ok := o.byModel[overrideKey("", model)]
	return v, ok
}

// Remap returns the capability byte to decode for a device: the override if
// one exists, raw otherwise.
func (o *Overrides) Remap(manufacturer, model string, raw uint8) uint8 {
	if v, ok := o.Lookup(manufacturer, model); ok {
		return v
	}
	return raw
}

// Len returns the number of overrides.
func (o *Overrides) Len() int {
	return len(o.byModel)
}

// overrideFile is the JSON structure for files in the overrides directory.
type overrideFile struct {
	Models        []Override          `json:"models,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty"`
}

// LoadDir reads all *.json files from a directory into an override table.
// Returns an empty table (not an error) if the directory doesn't exist or is empty.
func LoadDir(dir string, logger *slog.Logger) (*Overrides, error) {
	o := NewOverrides()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return o, fmt.Errorf("glob overrides dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no capability override files found", "dir", dir)
		return o, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return o, fmt.Errorf("read %s: %w", path, err)
		}

		var f overrideFile
		if err := json.Unmarshal(data, &f); err != nil {
			return o, fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		for _, ov := range f.Models {
			if err := o.Add(ov); err != nil {
				return o, fmt.Errorf("%s: %w", path, err)
			}
			count++
		}
		for _, mg := range f.Manufacturers {
			for _, ov := range mg.Models {
				ov.Manufacturer = mg.Name
				if err := o.Add(ov); err != nil {
					return o, fmt.Errorf("%s: %w", path, err)
				}
				count++
			}
		}
		logger.Info("loaded capability overrides", "path", filepath.Base(path), "models", count)
	}

	logger.Info("capability overrides loaded", "files", len(matches), "models", o.Len())
	return o, nil
}
