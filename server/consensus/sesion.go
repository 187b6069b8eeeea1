package consensus

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// EstadoSesion is the one-shot Preparation -> Running -> Completed
// lifecycle of a single auction round (§3 SessionState).
type EstadoSesion int32

const (
	Preparacion EstadoSesion = iota
	EnCurso
	Completada
)

func (e EstadoSesion) String() string {
	switch e {
	case Preparacion:
		return "PREPARACION"
	case EnCurso:
		return "EN_CURSO"
	case Completada:
		return "COMPLETADA"
	default:
		return "DESCONOCIDO"
	}
}

// Sesion is the session controller (C5): it drives the lifecycle, arms
// the session-end and broadcast timers, and determines the winner. It
// holds C3 only through the narrow VistaLider/Replicador capabilities,
// never a concrete back-reference, per the design notes' cycle-breaking
// rule.
type Sesion struct {
	miId   int
	estado *EstadoSubasta
	lider  VistaLider
	replic Replicador
	// coordinador is the concrete C3, used only to start it (Iniciar)
	// and to close it on shutdown (Detener); kept separate from the
	// narrow interfaces above so Sesion's session logic never depends on
	// more of C3 than VistaLider/Replicador expose.
	coordinador *Coordinador

	listener net.Listener
	log      *log.Entry
	cerrando atomic.Bool

	mu               sync.Mutex
	manejadores      []*ManejadorCliente
	contadorSesiones int

	estadoActual atomic.Int32
	generacion   atomic.Uint64
}

// NuevoSesion builds a session controller for the given replica id, with
// its own C2 store and C3 coordinator (not process-wide globals, per the
// design notes).
func NuevoSesion(miId int) *Sesion {
	estado := NuevoEstado()
	coordinador := NuevoCoordinador(miId, estado)
	return &Sesion{
		miId:        miId,
		estado:      estado,
		lider:       coordinador,
		replic:      coordinador,
		coordinador: coordinador,
		log:         log.WithField("replicaId", miId),
	}
}

// Iniciar starts the ring coordinator, opens the client-facing listener,
// and runs the session loop forever (one session per iteration).
func (s *Sesion) Iniciar() error {
	if err := s.coordinador.Iniciar(); err != nil {
		return err
	}

	info, ok := common.ObtenerReplica(s.miId)
	if !ok {
		return fmt.Errorf("consensus: id de réplica inválido: %d", s.miId)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", info.ClientPort))
	if err != nil {
		return fmt.Errorf("consensus: no se pudo escuchar en el puerto de clientes %d: %w", info.ClientPort, err)
	}
	s.listener = listener
	s.log.WithField("clientPort", info.ClientPort).Info("servidor de subasta activo")

	for {
		s.ejecutarSesion()
		if s.cerrando.Load() {
			return nil
		}
	}
}

// ejecutarSesion runs one full Preparation -> ... -> Completed round,
// following the accept loop of §4.5.
func (s *Sesion) ejecutarSesion() {
	s.mu.Lock()
	s.contadorSesiones++
	numero := s.contadorSesiones
	s.mu.Unlock()

	generacion := s.generacion.Add(1)
	s.estadoActual.Store(int32(Preparacion))
	s.log.WithField("sesion", numero).Info("sesión en preparación")

	for EstadoSesion(s.estadoActual.Load()) != Completada {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.cerrando.Load() {
				return
			}
			s.log.WithError(err).Warn("error aceptando conexión de cliente")
			continue
		}

		envoltorio := common.NuevoEnvoltorio(conn)
		direccion := envoltorio.DireccionRemota()
		s.log.WithField("bidder", direccion).Info("nueva conexión de participante")

		estado := s.tryArrancarSiPrimero(generacion)

		if estado == EnCurso {
			inicio := s.estado.MomentoInicioMs()
			if inicio > 0 && time.Now().UnixMilli()-inicio >= common.DuracionSubasta.Milliseconds() {
				_ = envoltorio.Enviar(common.ErrSubastaFinalizada)
				_ = envoltorio.Cerrar()
				s.log.WithField("bidder", direccion).Info("conexión rechazada: subasta finalizada")
				continue
			}
		}

		manejador := NuevoManejador(envoltorio, direccion, s.estado, s.replic)
		s.mu.Lock()
		s.manejadores = append(s.manejadores, manejador)
		total := len(s.manejadores)
		s.mu.Unlock()
		s.log.WithFields(log.Fields{"bidder": direccion, "participantes": total}).Info("participante registrado")

		go manejador.Ejecutar()

		if estado == EnCurso {
			manejador.NotificarInicio(int64(common.DuracionSubasta / time.Second))
		}
	}

	time.Sleep(common.DrenajeTrasFinalizar)
	s.reiniciar()
}

// tryArrancarSiPrimero implements "if state = Preparation and
// participants.empty and iAmLeader: startSession()" as a single atomic
// transition, so two connections racing to be "the first" can't both
// arm the session timers.
func (s *Sesion) tryArrancarSiPrimero(generacion uint64) EstadoSesion {
	if EstadoSesion(s.estadoActual.Load()) != Preparacion {
		return EstadoSesion(s.estadoActual.Load())
	}

	s.mu.Lock()
	sinParticipantes := len(s.manejadores) == 0
	s.mu.Unlock()

	if !sinParticipantes || !s.lider.EsLider() {
		return EstadoSesion(s.estadoActual.Load())
	}

	if !s.estadoActual.CompareAndSwap(int32(Preparacion), int32(EnCurso)) {
		return EstadoSesion(s.estadoActual.Load())
	}

	s.estado.Iniciar()
	s.log.WithField("duracion", common.DuracionSubasta).Info("subasta iniciada [lider]")

	go s.temporizadorFin(generacion)
	go s.temporizadorBroadcast(generacion)

	return EnCurso
}

// temporizadorFin is the one-shot end timer (§4.5 End timer). It checks
// the session generation before firing so a stray timer from a session
// already reset is a no-op (design notes, timer cancellation).
func (s *Sesion) temporizadorFin(generacion uint64) {
	timer := time.NewTimer(common.DuracionSubasta)
	defer timer.Stop()
	<-timer.C
	if s.generacion.Load() != generacion {
		return
	}
	s.terminarSubasta()
}

// temporizadorBroadcast is the periodic SYNC broadcast (§4.5 Broadcast
// timer), self-cancelling once the session leaves Running.
func (s *Sesion) temporizadorBroadcast(generacion uint64) {
	ticker := time.NewTicker(common.IntervaloActualizar)
	defer ticker.Stop()
	for range ticker.C {
		if s.generacion.Load() != generacion || EstadoSesion(s.estadoActual.Load()) != EnCurso {
			return
		}
		s.transmitirActualizacion()
	}
}

func (s *Sesion) transmitirActualizacion() {
	s.mu.Lock()
	manejadores := append([]*ManejadorCliente(nil), s.manejadores...)
	s.mu.Unlock()
	if len(manejadores) == 0 {
		return
	}

	direccion, oferta := s.estado.OfertaMaximaSnapshot()
	restante := SegundosRestantes(s.estado)
	s.log.WithFields(log.Fields{"ofertaMaxima": oferta, "participantes": len(manejadores)}).Debug("sync periódico")
	for _, m := range manejadores {
		m.NotificarActualizacion(direccion, oferta, restante)
	}
}

// terminarSubasta ends the session, determines the winner from C2, and
// instructs every handler to disconnect (§4.5 endSession).
func (s *Sesion) terminarSubasta() {
	s.estadoActual.Store(int32(Completada))
	s.estado.Finalizar()

	s.mu.Lock()
	manejadores := append([]*ManejadorCliente(nil), s.manejadores...)
	s.mu.Unlock()

	s.log.Info("subasta finalizada")

	if len(manejadores) == 0 {
		s.log.Info("sin participantes")
		return
	}

	ganador := s.estado.Ganador()
	if ganador != nil && ganador.UltimaOferta > 0 {
		s.log.WithFields(log.Fields{"ganador": ganador.Direccion, "oferta": ganador.UltimaOferta}).Info("ganador determinado")
		for _, m := range manejadores {
			m.NotificarResultado(ganador.Direccion, ganador.UltimaOferta)
		}
	}

	for _, m := range manejadores {
		m.Desconectar()
	}
	s.log.Info("todas las conexiones cerradas")
}

// reiniciar clears state for the next Preparation round (§4.5 reset).
func (s *Sesion) reiniciar() {
	s.generacion.Add(1) // defensive: invalidates any timer that somehow fired late
	s.estado.Reiniciar()
	s.mu.Lock()
	s.manejadores = nil
	s.mu.Unlock()
	s.log.Info("listo para nueva sesión")
}

// Detener performs a graceful shutdown: stop accepting, close every
// bidder and peer socket.
func (s *Sesion) Detener() {
	s.cerrando.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.coordinador.Detener()

	s.mu.Lock()
	manejadores := append([]*ManejadorCliente(nil), s.manejadores...)
	s.mu.Unlock()
	for _, m := range manejadores {
		m.Desconectar()
	}
}

// Iniciar bootstraps and runs the session controller for a replica id
// without keeping a handle for a later Detener.
func Iniciar(id int) error {
	return NuevoSesion(id).Iniciar()
}
