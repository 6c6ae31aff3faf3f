package protocol

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDataModel reads a plugin's data_model section from a YAML file. The
// YAML schema mirrors the Block fields of spec.md §3 1:1.
func LoadDataModel(path string) (*DataModel, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var model DataModel
	if err := yaml.Unmarshal(buf, &model); err != nil {
		return nil, err
	}
	for _, b := range model.Blocks {
		if b.Name == "" {
			return nil, parseErr("block missing name", nil)
		}
	}
	if dup := firstDuplicateName(&model); dup != "" {
		return nil, parseErr("duplicate block name", map[string]any{"name": dup})
	}
	return &model, nil
}

func firstDuplicateName(model *DataModel) string {
	seen := map[string]bool{}
	for _, b := range model.Blocks {
		if seen[b.Name] {
			return b.Name
		}
		seen[b.Name] = true
	}
	return ""
}
