package app

import (
	"github.com/vk/keygraph/internal/registry"
	"github.com/vk/keygraph/modules/gridsource"
	"github.com/vk/keygraph/modules/imageops"
)

// coreModules is the definitive list of all modules that are compiled into
// the keygraph binary.
var coreModules = []registry.Module{
	&gridsource.Module{},
	&imageops.Module{},
}
