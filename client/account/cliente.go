package account

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// InfoEstado is the bidder-facing result of submitting one bid: either the
// server's accepted snapshot, or a reason it was rejected / never answered.
type InfoEstado struct {
	Ok                bool
	Mensaje           string
	DireccionMax      string
	OfertaMax         float64
	SegundosRestantes int64
	EsLider           bool
}

// InfoFinal is the auction's outcome as seen by this bidder.
type InfoFinal struct {
	DireccionGanador string
	OfertaGanadora   float64
	MiUltimaOferta   float64
}

// Gane reports whether this bidder placed the winning bid. The original
// client determines this by comparing its own last bid to the winning
// amount rather than by address, which stays correct across a failover
// reconnect even though that gives the bidder a new local address.
func (f InfoFinal) Gane() bool {
	return f.MiUltimaOferta > 0 && f.MiUltimaOferta == f.OfertaGanadora
}

type respuestaOferta struct {
	conf *common.InfoConf
	err  string
}

// ClienteSubasta is the bidder's runtime (Cx): it holds one active
// connection out of the replica membership table, a receiver goroutine
// that dispatches incoming frames, and the failover logic that takes over
// when that connection dies mid-session.
type ClienteSubasta struct {
	mu              sync.Mutex
	envoltorio      *common.EnvoltorioSocket
	candidatoActual int
	miUltimaOferta  float64

	esperaMu sync.Mutex
	esperaCh chan respuestaOferta

	finalUnaVez sync.Once
	finalCh     chan struct{}
	resultado   *InfoFinal

	reconectando atomic.Bool
	saliendo     atomic.Bool

	log *log.Entry
}

// NuevoCliente dials the first reachable replica in the membership table
// and starts the receiver goroutine.
func NuevoCliente() (*ClienteSubasta, error) {
	c := &ClienteSubasta{
		log:     log.WithField("rol", "cliente"),
		finalCh: make(chan struct{}),
	}
	for i, candidato := range common.Membresia {
		envoltorio, err := common.Conectar(candidato.DireccionClientes())
		if err != nil {
			c.log.WithError(err).WithField("replicaId", candidato.Id).Debug("réplica no disponible")
			continue
		}
		c.candidatoActual = i
		c.envoltorio = envoltorio
		c.log.WithField("replicaId", candidato.Id).Info("conectado al servidor de subasta")
		go c.escuchar(envoltorio)
		return c, nil
	}
	return nil, fmt.Errorf("cliente: ninguna réplica disponible en %v", common.Membresia)
}

// EnviarOferta submits a bid and blocks for the server's confirmation. On a
// timeout it forces one failover reconnect and resends the bid exactly
// once before giving up, so a dead leader doesn't just strand the bidder.
func (c *ClienteSubasta) EnviarOferta(oferta float64) InfoEstado {
	c.mu.Lock()
	c.miUltimaOferta = oferta
	c.mu.Unlock()

	resp, ok := c.intentarOferta(oferta)
	if !ok {
		c.log.Warn("sin confirmación del servidor, intentando conmutación por error")
		if err := c.reconectar(); err != nil {
			return InfoEstado{Mensaje: "no se pudo reconectar con ninguna réplica: " + err.Error()}
		}
		resp, ok = c.intentarOferta(oferta)
		if !ok {
			return InfoEstado{Mensaje: "sin respuesta del servidor tras el reintento"}
		}
	}

	if resp.err != "" {
		return InfoEstado{Mensaje: resp.err}
	}
	info := resp.conf
	return InfoEstado{
		Ok:                true,
		DireccionMax:      info.Addr,
		OfertaMax:         info.Bid,
		SegundosRestantes: info.SegundosRestantes,
		EsLider:           info.EsLider,
	}
}

func (c *ClienteSubasta) intentarOferta(oferta float64) (respuestaOferta, bool) {
	ch := make(chan respuestaOferta, 1)
	c.esperaMu.Lock()
	c.esperaCh = ch
	c.esperaMu.Unlock()

	c.mu.Lock()
	envoltorio := c.envoltorio
	c.mu.Unlock()
	if envoltorio == nil {
		return respuestaOferta{}, false
	}
	if err := envoltorio.Enviar(common.FormatMonto(oferta)); err != nil {
		c.log.WithError(err).Warn("error enviando oferta")
		return respuestaOferta{}, false
	}

	select {
	case r := <-ch:
		return r, true
	case <-time.After(common.TimeoutConfirmacionCliente):
		c.esperaMu.Lock()
		if c.esperaCh == ch {
			c.esperaCh = nil
		}
		c.esperaMu.Unlock()
		return respuestaOferta{}, false
	}
}

// escuchar is the receiver goroutine: one per live connection. It returns
// as soon as the socket dies, triggering failover unless the bidder asked
// to leave or the final result has already arrived.
func (c *ClienteSubasta) escuchar(envoltorio *common.EnvoltorioSocket) {
	for {
		mensaje, ok, err := envoltorio.Recibir()
		if !ok {
			if c.saliendo.Load() {
				return
			}
			select {
			case <-c.finalCh:
				return
			default:
			}
			c.log.WithError(err).Warn("conexión con el servidor perdida")
			c.manejarCaidaServidor()
			return
		}
		c.procesarMensaje(mensaje)
	}
}

func (c *ClienteSubasta) procesarMensaje(mensaje string) {
	switch {
	case strings.HasPrefix(mensaje, "ERR"):
		c.entregarRespuesta(respuestaOferta{err: mensaje})

	case strings.HasPrefix(mensaje, "CONF:"):
		info, err := common.ParseConf(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame CONF ilegible")
			return
		}
		c.entregarRespuesta(respuestaOferta{conf: &info})

	case strings.HasPrefix(mensaje, "INICIO:"):
		segundos, err := common.ParseInicio(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame INICIO ilegible")
			return
		}
		c.log.WithField("duracion", segundos).Info("la subasta ha comenzado")

	case strings.HasPrefix(mensaje, "SYNC:"):
		info, err := common.ParseSync(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame SYNC ilegible")
			return
		}
		c.log.WithFields(log.Fields{"ofertaMaxima": info.Bid, "restante": info.SegundosRestantes}).Debug("sincronización recibida")

	case strings.HasPrefix(mensaje, "RESULTADO:"):
		info, err := common.ParseResultado(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame RESULTADO ilegible")
			return
		}
		c.entregarResultado(info)

	default:
		c.log.WithField("frame", mensaje).Debug("frame desconocido")
	}
}

func (c *ClienteSubasta) entregarRespuesta(r respuestaOferta) {
	c.esperaMu.Lock()
	ch := c.esperaCh
	c.esperaCh = nil
	c.esperaMu.Unlock()
	if ch != nil {
		ch <- r
	}
}

func (c *ClienteSubasta) entregarResultado(info common.InfoResultado) {
	c.finalUnaVez.Do(func() {
		c.mu.Lock()
		miOferta := c.miUltimaOferta
		c.mu.Unlock()
		c.resultado = &InfoFinal{
			DireccionGanador: info.Addr,
			OfertaGanadora:   info.Bid,
			MiUltimaOferta:   miOferta,
		}
		close(c.finalCh)
	})
}

// EsperarResultado blocks until RESULTADO arrives or timeout elapses.
func (c *ClienteSubasta) EsperarResultado(timeout time.Duration) (*InfoFinal, bool) {
	select {
	case <-c.finalCh:
		return c.resultado, true
	case <-time.After(timeout):
		return nil, false
	}
}

// manejarCaidaServidor reacts to an unexpected disconnect: fail over to
// the next replica and, if the bidder has placed any bid, resend the last
// one.
func (c *ClienteSubasta) manejarCaidaServidor() {
	if c.saliendo.Load() {
		return
	}
	c.log.Warn("servidor caído, iniciando conmutación por error")
	if err := c.reconectar(); err != nil {
		c.log.WithError(err).Error("conmutación por error agotada, abandonando")
		return
	}

	c.mu.Lock()
	oferta := c.miUltimaOferta
	c.mu.Unlock()
	if oferta > 0 {
		c.log.WithField("oferta", oferta).Info("reenviando última oferta tras conmutación")
		go c.EnviarOferta(oferta)
	}
}

// reconectar closes the dead connection and dials the next candidates in
// the membership table, up to common.MaxReintentosCliente rounds over the
// whole table with a fixed backoff between rounds. It restarts the receiver goroutine
// on success. Concurrent callers (an explicit confirmation timeout racing
// the receiver's own EOF handling) collapse into a single attempt.
func (c *ClienteSubasta) reconectar() error {
	if !c.reconectando.CompareAndSwap(false, true) {
		for i := 0; i < 200 && c.reconectando.Load(); i++ {
			time.Sleep(50 * time.Millisecond)
		}
		c.mu.Lock()
		conectado := c.envoltorio != nil
		c.mu.Unlock()
		if conectado {
			return nil
		}
		return fmt.Errorf("reconexión concurrente no tuvo éxito")
	}
	defer c.reconectando.Store(false)

	c.mu.Lock()
	if c.envoltorio != nil {
		_ = c.envoltorio.Cerrar()
		c.envoltorio = nil
	}
	c.mu.Unlock()

	b := &backoff.Backoff{
		Min:    common.EsperaEntreReintentos,
		Max:    common.EsperaEntreReintentos,
		Factor: 1,
		Jitter: false,
	}

	for ronda := 0; ronda < common.MaxReintentosCliente; ronda++ {
		if ronda > 0 {
			time.Sleep(b.Duration())
		}
		for i := 0; i < len(common.Membresia); i++ {
			c.mu.Lock()
			c.candidatoActual = (c.candidatoActual + 1) % len(common.Membresia)
			candidato := common.Membresia[c.candidatoActual]
			c.mu.Unlock()

			c.log.WithFields(log.Fields{"ronda": ronda + 1, "replicaId": candidato.Id}).Info("intentando reconectar")
			envoltorio, err := common.Conectar(candidato.DireccionClientes())
			if err != nil {
				c.log.WithError(err).WithField("replicaId", candidato.Id).Warn("réplica no disponible")
				continue
			}

			c.mu.Lock()
			c.envoltorio = envoltorio
			c.mu.Unlock()
			c.log.WithField("replicaId", candidato.Id).Info("reconectado")
			go c.escuchar(envoltorio)
			return nil
		}
	}
	return fmt.Errorf("no se pudo reconectar tras %d rondas", common.MaxReintentosCliente)
}

// Salir notifies the server and closes the connection voluntarily.
func (c *ClienteSubasta) Salir() {
	c.saliendo.Store(true)
	c.mu.Lock()
	envoltorio := c.envoltorio
	c.mu.Unlock()
	if envoltorio == nil {
		return
	}
	_ = envoltorio.Enviar(common.ComandoSalir)
	_ = envoltorio.Cerrar()
}
