package vlmproc

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ModelDescriptor is one entry of the model catalog: everything the
// lifecycle manager needs to spawn the external VLM server for a given
// model.
type ModelDescriptor struct {
	ID           string   `toml:"id"`
	ModelFile    string   `toml:"model_file"`
	MMProjFile   string   `toml:"mmproj_file"`
	GPULayers    int      `toml:"gpu_layers"`
	ContextSize  int      `toml:"context_size"`
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	ServerBinary string   `toml:"server_binary"`
	ExtraArgs    []string `toml:"extra_args"`
}

// Catalog is the parsed contents of models.toml: `GET /models` enumerates
// it and `POST /model/switch` validates its model_id argument against it.
type Catalog struct {
	Models []ModelDescriptor `toml:"models"`
}

// LoadCatalog parses a models.toml file at path.
func LoadCatalog(path string) (*Catalog, error) {
	var cat Catalog
	if _, err := toml.DecodeFile(path, &cat); err != nil {
		return nil, fmt.Errorf("loading model catalog %s: %w", path, err)
	}
	return &cat, nil
}

// Find looks up a model by ID.
func (c *Catalog) Find(id string) (*ModelDescriptor, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}
