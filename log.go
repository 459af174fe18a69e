package resilient

import (
	"github.com/sirupsen/logrus"
)

// DefaultLogger is used when Opts.Logger is nil.
func DefaultLogger() logrus.FieldLogger {
	return logrus.StandardLogger().WithField("component", "resilient-redis")
}

func handleFields(h *Handle) logrus.Fields {
	return logrus.Fields{
		"addr":    h.Addr.Redacted(),
		"conn_id": h.ID.String(),
	}
}
