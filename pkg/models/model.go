package models

import (
	"fmt"
	"sort"
	"strings"
)

// Model is a public short name for an assistant model
type Model string

const (
	ModelDefault Model = "default"
	ModelDogge   Model = "dogge"
	ModelLlama3  Model = "llama3"
)

// modelIDs maps public names to the identifiers the site uses in its model picker
var modelIDs = map[Model]string{
	ModelDefault: "hermes-2-theta-web",
	ModelDogge:   "dogge-llama-3-70b",
	ModelLlama3:  "llama-3.1-405b",
}

// ResolveModel returns the site identifier for a public model name.
// An empty name selects the default model.
func ResolveModel(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = string(ModelDefault)
	}
	id, ok := modelIDs[Model(name)]
	if !ok {
		return "", fmt.Errorf("invalid model %q: must be one of %s", name, strings.Join(ModelNames(), ", "))
	}
	return id, nil
}

// ModelNames returns the accepted public model names in sorted order
func ModelNames() []string {
	names := make([]string, 0, len(modelIDs))
	for m := range modelIDs {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return names
}
