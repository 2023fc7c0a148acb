package minikern

import log "github.com/sirupsen/logrus"

func init() {
	// Setup logrus
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(log.InfoLevel)
}
