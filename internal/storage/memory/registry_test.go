package memory

import (
	"testing"

	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/storage/storagetest"
)

func TestRegistry(t *testing.T) {
	storagetest.RunRegistrySuite(t, func(t *testing.T) storage.Registry {
		return NewRegistry()
	})
}
