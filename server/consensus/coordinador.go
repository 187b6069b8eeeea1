package consensus

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// VistaLider is the narrow, read-only capability C5 needs from C3. It
// breaks the C3<->C5 cycle described in the design notes: C3 is built
// with a reference to C2 only, and C5 queries C3 through this interface
// instead of C3 holding a reverse pointer into C5.
type VistaLider interface {
	EsLider() bool
	LiderId() (int, bool)
}

// Coordinador is the ring leader-election and heartbeat protocol (C3).
type Coordinador struct {
	miId   int
	estado *EstadoSubasta
	log    *log.Entry

	liderId           atomic.Int32 // 0 means "no leader known"
	soyLider          atomic.Bool
	eleccionEnCurso   atomic.Bool
	ultimoHeartbeatMs atomic.Int64
	cerrando          atomic.Bool

	mu        sync.Mutex
	peers     map[int]*common.EnvoltorioSocket
	listener  net.Listener
	detenerWg sync.WaitGroup
}

// NuevoCoordinador builds a coordinator bound to this replica's C2 store.
// No reverse reference to the session controller is taken.
func NuevoCoordinador(miId int, estado *EstadoSubasta) *Coordinador {
	return &Coordinador{
		miId:   miId,
		estado: estado,
		log:    log.WithField("replicaId", miId),
		peers:  make(map[int]*common.EnvoltorioSocket),
	}
}

// Iniciar performs the bootstrap sequence of §4.3: listen on the peer
// port, wait a grace period, dial every other replica once, run the
// initial election, then start the heartbeat and monitor loops.
func (c *Coordinador) Iniciar() error {
	info, ok := common.ObtenerReplica(c.miId)
	if !ok {
		return fmt.Errorf("consensus: id de réplica inválido: %d", c.miId)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", info.PeerPort))
	if err != nil {
		return fmt.Errorf("consensus: no se pudo escuchar en el puerto de anillo %d: %w", info.PeerPort, err)
	}
	c.listener = listener
	c.log.WithField("peerPort", info.PeerPort).Info("coordinador de anillo activo")

	go c.aceptarConexionesRing()

	time.Sleep(common.GraciaArranqueRing)
	c.conectarConOtrasReplicas()
	c.iniciarEleccion()

	go c.bucleHeartbeat()
	go c.bucleMonitor()

	return nil
}

// EsLider reports whether this replica is currently the leader.
func (c *Coordinador) EsLider() bool {
	return c.soyLider.Load()
}

// LiderId returns the currently known leader id, or ok=false if none has
// been determined yet.
func (c *Coordinador) LiderId() (int, bool) {
	id := c.liderId.Load()
	return int(id), id != 0
}

func (c *Coordinador) aceptarConexionesRing() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.cerrando.Load() {
				return
			}
			c.log.WithError(err).Warn("error aceptando conexión de anillo")
			return
		}
		go c.manejarConexionPeer(common.NuevoEnvoltorio(conn))
	}
}

// conectarConOtrasReplicas dials every configured peer once with a short
// timeout. Replicas that don't answer are simply absent from peers —
// §4.3 explicitly forbids reconnection within a session.
func (c *Coordinador) conectarConOtrasReplicas() {
	for _, otra := range common.ObtenerOtrasReplicas(c.miId) {
		conn, err := net.DialTimeout("tcp", otra.DireccionRing(), common.TimeoutConexionPeer)
		if err != nil {
			c.log.WithFields(log.Fields{"peerId": otra.Id}).Debug("réplica no disponible")
			continue
		}
		c.mu.Lock()
		c.peers[otra.Id] = common.NuevoEnvoltorio(conn)
		c.mu.Unlock()
		c.log.WithField("peerId", otra.Id).Info("conectado con réplica")
		go c.manejarConexionPeer(c.peerEnvoltorio(otra.Id))
	}
}

func (c *Coordinador) peerEnvoltorio(id int) *common.EnvoltorioSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

func (c *Coordinador) manejarConexionPeer(e *common.EnvoltorioSocket) {
	if e == nil {
		return
	}
	for {
		mensaje, ok, err := e.Recibir()
		if !ok {
			if err != nil {
				c.log.WithError(err).Debug("conexión de anillo cerrada con error")
			}
			return
		}
		c.procesarMensajeRing(mensaje)
	}
}

func (c *Coordinador) procesarMensajeRing(mensaje string) {
	// Any frame from a peer counts as a sign of life for the leader monitor.
	c.ultimoHeartbeatMs.Store(time.Now().UnixMilli())

	switch {
	case strings.HasPrefix(mensaje, common.PrefijoCoordinador):
		nuevoLider, err := common.ParseCoordinador(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame COORDINADOR mal formado")
			return
		}
		c.liderId.Store(int32(nuevoLider))
		c.soyLider.Store(nuevoLider == c.miId)
		c.log.WithField("leaderId", nuevoLider).Info("nuevo coordinador anunciado")

	case strings.HasPrefix(mensaje, common.PrefijoHeartbeat):
		// Liveness already recorded above.

	case strings.HasPrefix(mensaje, common.PrefijoSyncEstado):
		info, err := common.ParseSyncEstado(mensaje)
		if err != nil {
			c.log.WithError(err).Warn("frame SYNC_ESTADO mal formado")
			return
		}
		c.estado.FusionarRemota(info.Bid, info.Addr)
		c.log.WithFields(log.Fields{"bid": info.Bid, "addr": info.Addr}).Debug("estado replicado aplicado")

	case mensaje == common.EleccionRequest:
		c.iniciarEleccion()
	}
}

// iniciarEleccion runs the simplified highest-id election of §4.3.
// electionInProgress guards re-entrancy: overlapping triggers are dropped.
func (c *Coordinador) iniciarEleccion() {
	if !c.eleccionEnCurso.CompareAndSwap(false, true) {
		return
	}
	defer c.eleccionEnCurso.Store(false)

	c.mu.Lock()
	vivos := make(map[int]struct{}, len(c.peers)+1)
	vivos[c.miId] = struct{}{}
	for id := range c.peers {
		vivos[id] = struct{}{}
	}
	c.mu.Unlock()

	nuevoLider := c.miId
	for id := range vivos {
		if id > nuevoLider {
			nuevoLider = id
		}
	}

	c.liderId.Store(int32(nuevoLider))
	soyLiderAhora := nuevoLider == c.miId
	c.soyLider.Store(soyLiderAhora)
	c.ultimoHeartbeatMs.Store(time.Now().UnixMilli())

	c.log.WithFields(log.Fields{"vivos": len(vivos), "leaderId": nuevoLider}).Info("elección completada")

	if soyLiderAhora {
		c.log.Info("soy el líder")
		c.enviarATodos(common.FormatCoordinador(c.miId))
	}
}

func (c *Coordinador) bucleHeartbeat() {
	ticker := time.NewTicker(common.IntervaloHeartbeat)
	defer ticker.Stop()
	for range ticker.C {
		if c.cerrando.Load() {
			return
		}
		if c.soyLider.Load() {
			c.enviarATodos(common.FormatHeartbeat(c.miId, time.Now().UnixMilli()))
		}
	}
}

func (c *Coordinador) bucleMonitor() {
	ticker := time.NewTicker(common.IntervaloMonitor)
	defer ticker.Stop()
	for range ticker.C {
		if c.cerrando.Load() {
			return
		}
		liderId, conocido := c.LiderId()
		if c.soyLider.Load() || !conocido {
			continue
		}
		ultimo := c.ultimoHeartbeatMs.Load()
		if ultimo > 0 && time.Since(time.UnixMilli(ultimo)) > common.TimeoutLider {
			c.log.WithField("leaderId", liderId).Warn("líder no responde, iniciando nueva elección")
			c.iniciarEleccion()
		}
	}
}

// SincronizarOferta replicates a newly committed high bid to every peer.
// It is a no-op when this replica is not the leader (§4.3 Bid
// replication is leader-driven only).
func (c *Coordinador) SincronizarOferta(bid float64, direccion string) {
	if !c.soyLider.Load() {
		return
	}
	c.enviarATodos(common.FormatSyncEstado(bid, direccion, time.Now().UnixMilli()))
}

func (c *Coordinador) enviarATodos(mensaje string) {
	c.mu.Lock()
	destinatarios := make(map[int]*common.EnvoltorioSocket, len(c.peers))
	for id, e := range c.peers {
		destinatarios[id] = e
	}
	c.mu.Unlock()

	for id, e := range destinatarios {
		if err := e.Enviar(mensaje); err != nil {
			c.log.WithFields(log.Fields{"peerId": id}).WithError(err).Warn("error escribiendo a réplica, eliminándola")
			c.eliminarPeer(id)
		}
	}
}

// eliminarPeer drops a peer after a write failure. §4.3 forbids
// reconnection attempts within a session.
func (c *Coordinador) eliminarPeer(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.peers[id]; ok {
		_ = e.Cerrar()
		delete(c.peers, id)
	}
}

// Detener cancels the listener and every peer connection for a graceful
// shutdown.
func (c *Coordinador) Detener() {
	c.cerrando.Store(true)
	if c.listener != nil {
		_ = c.listener.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.peers {
		_ = e.Cerrar()
		delete(c.peers, id)
	}
}
