package middleware

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// RecoverFromPanic logs a recovered panic. Use as `defer RecoverFromPanic("...")`.
func RecoverFromPanic(component string) {
	if r := recover(); r != nil {
		logPanic(component, r)
	}
}

func logPanic(component string, r any) {
	log.WithFields(log.Fields{
		"component": component,
		"panic":     fmt.Sprintf("%v", r),
		"stack":     string(debug.Stack()),
	}).Error("Panic in handler recovered")
}
