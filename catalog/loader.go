package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var outcomeTypeType = reflect.TypeOf(OutcomeType(""))

// File is the on-disk shape of a catalog seed file.
type File struct {
	Entries []Entry `mapstructure:"entries"`
}

// LoadFile reads and validates the entries of a single YAML file.
func LoadFile(path string) ([]Entry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var f File
	if err := decode(v.AllSettings(), &f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog %s: %w", path, err)
	}

	for i := range f.Entries {
		normalize(&f.Entries[i])
		if err := f.Entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return f.Entries, nil
}

// LoadDir loads every YAML file in dir in alphabetical order.
// An entry id defined in a later file replaces the earlier definition.
func LoadDir(dir string) ([]Entry, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in catalog directory: %s", dir)
	}

	var (
		order []string
		byID  = map[string]Entry{}
	)
	for _, name := range files {
		entries, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, seen := byID[e.ID]; !seen {
				order = append(order, e.ID)
			}
			byID[e.ID] = e
		}
	}

	out := make([]Entry, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Load accepts either a single file or a directory.
func Load(path string) ([]Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lower := strings.ToLower(entry.Name())
		if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func decode(in interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(config.DecodeHooks(), outcomeTypeHook()),
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func outcomeTypeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		s, ok := data.(string)
		if !ok || to != outcomeTypeType {
			return data, nil
		}
		return ParseOutcomeType(s)
	}
}

func normalize(e *Entry) {
	e.ID = strings.TrimSpace(e.ID)
	if e.Kind == "" {
		e.Kind = KindCrate
	}
	if e.Name == "" {
		e.Name = e.ID
	}
}
