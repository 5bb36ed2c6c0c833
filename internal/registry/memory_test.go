package registry_test

import (
	"testing"

	"github.com/ashita-ai/chosei/internal/registry"
	"github.com/ashita-ai/chosei/internal/registry/registrytest"
)

func TestMemoryConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Registry {
		return registry.NewMemory()
	})
}
