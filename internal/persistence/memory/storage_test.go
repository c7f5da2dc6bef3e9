package memory_test

import (
	"testing"

	"github.com/example/session-scheduler/internal/persistence/memory"
	"github.com/example/session-scheduler/internal/persistence/persistencetest"
)

func TestStorageContract(t *testing.T) {
	persistencetest.RunRepositoryContract(t, func(t *testing.T) persistencetest.Store {
		return memory.New()
	})
}
