package pool

import (
	"go.uber.org/zap"

	"github.com/sandboxrt/pooling/api"
)

// testModuleInfo is a minimal api.ModuleInfo for pool tests.
type testModuleInfo struct {
	shape     *api.ModuleShape
	images    map[int]*api.MemoryImage
	imageErrs map[int]error
	id        uint64
}

func (m *testModuleInfo) Module() *api.ModuleShape {
	return m.shape
}

func (m *testModuleInfo) MemoryImage(i int) (*api.MemoryImage, error) {
	if err := m.imageErrs[i]; err != nil {
		return nil, err
	}
	return m.images[i], nil
}

func (m *testModuleInfo) UniqueID() uint64 {
	return m.id
}

// testSettings is a small configuration that keeps test reservations cheap.
func testSettings() *Settings {
	return &Settings{
		Strategy:               api.StrategyNextAvailable,
		MaxInstances:           3,
		InstanceSize:           4096,
		MaxTables:              2,
		TableElements:          100,
		MaxMemories:            2,
		MemoryPages:            2,
		MemoryReservationBytes: 4 * WasmPageSize,
		GuardBytes:             WasmPageSize,
		Logger:                 zap.NewNop(),
	}
}
