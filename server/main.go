package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
	"github.com/zDemon44/SEB-SUBASTA/server/consensus"
	"github.com/zDemon44/SEB-SUBASTA/utils"
)

func main() {
	var (
		logLevel string
		id       int
	)
	_, cancel := context.WithCancel(context.Background())
	flag.StringVar(&logLevel, "level", "info", "Set log level.")
	flag.IntVar(&id, "id", 0, "id of the replica (1,2,3), required")
	flag.Parse()

	utils.ConfigureLogger(logLevel)

	if !common.EsIdValido(id) {
		log.WithField("id", id).Fatal("se requiere -id con un id de réplica válido (1, 2 o 3)")
	}

	sesion := consensus.NuevoSesion(id)
	go func() {
		if err := sesion.Iniciar(); err != nil {
			log.WithError(err).Fatal("no se pudo iniciar el servidor de subasta")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	cleanupDone := make(chan bool)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			log.Info("señal de interrupción recibida, cerrando conexiones...")
			sesion.Detener()
			cancel()
			cleanupDone <- true
		}
	}()
	<-cleanupDone
}
