package account

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/manifoldco/promptui"
)

// IniciarSesionInteractiva runs the bidder-facing terminal loop: prompt for
// a bid, submit it, print the server's confirmation, repeat until the
// bidder leaves or the auction ends.
func (c *ClienteSubasta) IniciarSesionInteractiva() {
	for {
		seleccion := promptui.Select{
			Label: "Subasta",
			Items: []string{"Ofertar", "Ver estado", "Salir"},
		}
		_, opcion, err := seleccion.Run()
		if err != nil {
			log.WithError(err).Error("error leyendo la selección")
			continue
		}

		switch opcion {
		case "Salir":
			fmt.Println("Abandonando la subasta...")
			c.Salir()
			return

		case "Ver estado":
			c.mostrarUltimoResultadoConocido()

		case "Ofertar":
			prompt := promptui.Prompt{
				Label: "Monto de la oferta",
				Validate: func(texto string) error {
					monto, err := strconv.ParseFloat(texto, 64)
					if err != nil {
						return fmt.Errorf("ingrese un número")
					}
					if monto <= 0 {
						return fmt.Errorf("la oferta debe ser positiva")
					}
					return nil
				},
			}
			texto, err := prompt.Run()
			if err != nil {
				log.WithError(err).Error("error leyendo el monto de la oferta")
				continue
			}
			monto, _ := strconv.ParseFloat(texto, 64)

			estado := c.EnviarOferta(monto)
			mostrarEstado(estado)

			if !estado.Ok {
				continue
			}
			select {
			case <-c.finalCh:
				c.mostrarResultadoFinal()
				return
			default:
			}
		}
	}
}

func mostrarEstado(estado InfoEstado) {
	if !estado.Ok {
		fmt.Printf("  ✗ %s\n", estado.Mensaje)
		return
	}
	rol := "siguiendo"
	if estado.EsLider {
		rol = "líder"
	}
	fmt.Printf("  ✓ Oferta máxima: %s por %.2f | restan %ds | tu oferta: %s\n",
		estado.DireccionMax, estado.OfertaMax, estado.SegundosRestantes, rol)
}

func (c *ClienteSubasta) mostrarUltimoResultadoConocido() {
	select {
	case <-c.finalCh:
		c.mostrarResultadoFinal()
	default:
		fmt.Println("  La subasta sigue en curso.")
	}
}

func (c *ClienteSubasta) mostrarResultadoFinal() {
	resultado, ok := c.EsperarResultado(30 * time.Second)
	if !ok {
		fmt.Println("  No se recibió el resultado final a tiempo.")
		return
	}
	fmt.Printf("\n  🏆 Ganador: %s\n  💰 Oferta ganadora: %.2f\n  📊 Tu última oferta: %.2f\n\n",
		resultado.DireccionGanador, resultado.OfertaGanadora, resultado.MiUltimaOferta)
	if resultado.Gane() {
		fmt.Println("  ✨ ¡Felicitaciones! ¡Ganaste la subasta! ✨")
	} else {
		fmt.Printf("  ❌ No ganaste esta vez. Te faltaron %.2f\n", resultado.OfertaGanadora-resultado.MiUltimaOferta)
	}
}
