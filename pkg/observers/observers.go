package observers

import (
	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/pipeline"
)

// RegisterBuiltins registers the built-in observer set as universal
// observers, in their documented order within each stage.
func RegisterBuiltins(reg *pipeline.Registry, store RecordGetter, l logger.Logger) {
	reg.RegisterUniversal(RequiredFields{})
	reg.RegisterUniversal(EnumFields{})
	reg.RegisterUniversal(ImmutableFields{})
	reg.RegisterUniversal(SudoFields{})
	reg.RegisterUniversal(DefaultValues{})
	reg.RegisterUniversal(NewSnapshotPreload(store))
	reg.RegisterUniversal(NewChangeAudit(l))
}
