package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/dirsync/pkg/sync"
)

// Router propagates the operations applied on behalf of one device to the
// logs of the user's other devices, so that they pick up the change the next
// time they sync.
type Router struct{}

// Fanout records `op` in the log of every device of `user` except `origin`.
// The caller must hold the user lock.
func (Router) Fanout(user *User, origin *Device, op sync.Operation) {
	for _, device := range user.devices {
		if device == origin {
			continue
		}
		device.Log.Record(op)
	}

	log.WithFields(log.Fields{
		"user":   user.Folder,
		"origin": origin.Num,
		"op":     op.String(),
	}).Debug("Fanned out operation")
}
