package orphanpool

import (
	"github.com/embernet/emberd/infrastructure/logger"
)

var log = logger.RegisterSubSystem("ORPH")
