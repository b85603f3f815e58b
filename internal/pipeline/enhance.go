package pipeline

import (
	"gopkg.in/yaml.v3"

	"vergecore/internal/shared/types"
)

// DefaultEnhance overlays merge layers onto the base document, top-level
// key by key. Script layers need the external enhancement collaborator and
// are skipped here.
func DefaultEnhance(base map[string]interface{}, layers []Layer) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, layer := range layers {
		if layer.Kind != types.KindMerge {
			continue
		}
		overlay := make(map[string]interface{})
		if err := yaml.Unmarshal(layer.Body, &overlay); err != nil {
			continue // invalid layers never block generation
		}
		for k, v := range overlay {
			out[k] = v
		}
	}
	return out, nil
}
