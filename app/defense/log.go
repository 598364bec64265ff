package defense

import (
	"github.com/embernet/emberd/infrastructure/logger"
	"github.com/embernet/emberd/util/panics"
)

var log = logger.RegisterSubSystem("DFNS")
var spawn = panics.GoroutineWrapperFunc(log)
