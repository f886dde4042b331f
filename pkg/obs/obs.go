package obs

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var bootID atomic.Value // string

// Init configures the process-wide logger and stamps a boot id so log
// lines from different worker incarnations can be told apart.
func Init(service string) {
	id := service + "#" + time.Now().Format("20060102_150405.000000")
	bootID.Store(id)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := log.ParseLevel(strings.ToLower(lvl)); err == nil {
			log.SetLevel(parsed)
		}
	}

	log.WithFields(log.Fields{"boot": id, "pid": os.Getpid()}).Info("service up")
}

// BootID returns the id stamped by Init, or "" before Init.
func BootID() string {
	id, _ := bootID.Load().(string)
	return id
}
