package observability

import "github.com/tphakala/callaudio/internal/logger"

var log = logger.Global().Module("observability")
