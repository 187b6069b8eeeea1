package consensus

import (
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// Replicador is the narrow capability the handler needs from C3: push a
// newly-committed high bid out to the ring, and report whether this
// replica is currently the leader. *Coordinador satisfies this; SincronizarOferta itself is a no-op on a
// non-leader replica.
type Replicador interface {
	SincronizarOferta(bid float64, direccion string)
	EsLider() bool
}

// SegundosRestantes computes the time left in the current session from
// the store's atomic start timestamp, without taking C2's full lock.
func SegundosRestantes(estado *EstadoSubasta) int64 {
	if !estado.Activa() {
		return 0
	}
	inicio := estado.MomentoInicioMs()
	if inicio == 0 {
		return 0
	}
	transcurridoMs := time.Now().UnixMilli() - inicio
	restanteMs := common.DuracionSubasta.Milliseconds() - transcurridoMs
	if restanteMs < 0 {
		return 0
	}
	return restanteMs / 1000
}

// ManejadorCliente is the per-bidder connection handler (C4).
type ManejadorCliente struct {
	envoltorio  *common.EnvoltorioSocket
	direccion   string
	estado      *EstadoSubasta
	replicador  Replicador
	log         *log.Entry

	ofertaActual float64 // local record, for termination display only

	notificado  bool
	notificarMu sync.Mutex
	esperaFinal chan struct{}
}

// NuevoManejador wires a handler to the bidder's socket, C2, and the
// replication capability it needs after committing a new high bid.
func NuevoManejador(envoltorio *common.EnvoltorioSocket, direccion string, estado *EstadoSubasta, replicador Replicador) *ManejadorCliente {
	return &ManejadorCliente{
		envoltorio:  envoltorio,
		direccion:   direccion,
		estado:      estado,
		replicador:  replicador,
		log:         log.WithField("bidder", direccion),
		esperaFinal: make(chan struct{}),
	}
}

// Direccion returns the handler's bidder identity.
func (m *ManejadorCliente) Direccion() string { return m.direccion }

// OfertaActual returns the handler's local record of the bidder's last
// submitted bid (§4.4 item 3 — authority for winner determination stays
// with C2; this is display-only bookkeeping).
func (m *ManejadorCliente) OfertaActual() float64 { return m.ofertaActual }

// Ejecutar is the handler's read loop. It returns once the bidder leaves
// (SALIR, EOF) or the session stops being active, then blocks until the
// session controller notifies the final result exactly once.
func (m *ManejadorCliente) Ejecutar() {
	for m.estado.Activa() {
		mensaje, ok, err := m.envoltorio.Recibir()
		if !ok {
			if err != nil {
				m.log.WithError(err).Debug("error de lectura, bidder desconectado")
			} else {
				m.log.Debug("bidder desconectado (EOF)")
			}
			break
		}

		if strings.EqualFold(strings.TrimSpace(mensaje), common.ComandoSalir) {
			m.log.Debug("bidder salió voluntariamente")
			break
		}

		m.procesarOferta(mensaje)
	}

	m.log.Debug("esperando resultado final")
	<-m.esperaFinal
}

func (m *ManejadorCliente) procesarOferta(mensaje string) {
	oferta, err := strconv.ParseFloat(strings.TrimSpace(mensaje), 64)
	if err != nil {
		m.enviar(common.ErrFormatoIncorrecto)
		return
	}
	if oferta <= 0 {
		m.enviar(common.ErrOfertaNoPositiva)
		return
	}

	m.ofertaActual = oferta
	esNuevaMax := m.estado.Registrar(oferta, m.direccion)
	if esNuevaMax {
		m.log.WithField("oferta", oferta).Info("nueva oferta máxima")
		if m.replicador != nil {
			m.replicador.SincronizarOferta(oferta, m.direccion)
		}
	}

	// CONF carries the current high bid; ESTADO is LIDER only when the
	// bid just committed by this bidder is that high bid.
	direccionMax, ofertaMax := m.estado.OfertaMaximaSnapshot()
	esLider := direccionMax == m.direccion && ofertaMax == oferta
	confirmacion := common.FormatConf(direccionMax, ofertaMax, SegundosRestantes(m.estado), esLider)
	m.enviar(confirmacion)
}

// NotificarInicio pushes INICIO:DURACION:<secs> when the handler is
// attached to a session already running.
func (m *ManejadorCliente) NotificarInicio(segundos int64) {
	m.enviar(common.FormatInicio(segundos))
}

// NotificarActualizacion pushes the periodic SYNC: broadcast.
func (m *ManejadorCliente) NotificarActualizacion(direccion string, bid float64, segundosRestantes int64) {
	m.enviar(common.FormatSync(direccion, bid, segundosRestantes))
}

// NotificarResultado pushes the final RESULTADO: frame and releases the
// handler's read loop to proceed to socket close. At-most-once: a second
// call is a silent no-op (§4.4 Shutdown contract, §8 invariant 6).
func (m *ManejadorCliente) NotificarResultado(direccion string, bid float64) {
	m.notificarMu.Lock()
	defer m.notificarMu.Unlock()
	if m.notificado {
		return
	}
	m.notificado = true
	m.enviar(common.FormatResultado(direccion, bid))
	close(m.esperaFinal)
}

// Desconectar releases the handler (notifying with a neutral close if no
// result ever arrived) and closes the socket.
func (m *ManejadorCliente) Desconectar() {
	m.notificarMu.Lock()
	if !m.notificado {
		m.notificado = true
		close(m.esperaFinal)
	}
	m.notificarMu.Unlock()
	if err := m.envoltorio.Cerrar(); err != nil {
		m.log.WithError(err).Debug("error cerrando conexión")
	}
}

func (m *ManejadorCliente) soyLider() bool {
	return m.replicador != nil && m.replicador.EsLider()
}

// enviar writes a frame, swallowing the error beyond a debug log: a dead
// bidder socket must never take down the handler or the server (§7
// Bidder transport errors).
func (m *ManejadorCliente) enviar(mensaje string) {
	if err := m.envoltorio.Enviar(mensaje); err != nil {
		m.log.WithError(err).Debug("error escribiendo al bidder")
	}
}
