// Package metrics holds the Prometheus collectors of each component.
package metrics

import "github.com/tphakala/callaudio/internal/logger"

var log = logger.Global().Module("metrics")
