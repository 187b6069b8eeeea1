package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/client/account"
	"github.com/zDemon44/SEB-SUBASTA/utils"
)

func main() {
	var logLevel string
	_, cancel := context.WithCancel(context.Background())
	flag.StringVar(&logLevel, "level", "info", "Set log level.")
	flag.Parse()

	utils.ConfigureLogger(logLevel)

	cliente, err := account.NuevoCliente()
	if err != nil {
		log.WithError(err).Fatal("no se pudo conectar con ninguna réplica")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			log.Info("señal de interrupción recibida, abandonando la subasta...")
			cliente.Salir()
			cancel()
			os.Exit(0)
		}
	}()

	cliente.IniciarSesionInteractiva()
}
