package consensus

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// tcpPar returns a connected pair of envoltorios, one end for the
// coordinator under test, one end for the fake peer on the other side.
func tcpPar(t *testing.T) (*common.EnvoltorioSocket, *common.EnvoltorioSocket) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	aceptado := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			aceptado <- conn
		}
	}()
	cliente, err := net.DialTimeout("tcp", listener.Addr().String(), time.Second)
	require.NoError(t, err)

	var servidor net.Conn
	select {
	case servidor = <-aceptado:
	case <-time.After(time.Second):
		t.Fatal("no se aceptó la conexión a tiempo")
	}
	return common.NuevoEnvoltorio(cliente), common.NuevoEnvoltorio(servidor)
}

// drenar reads and discards everything on e until it is closed, so writes
// from the coordinator under test never block on an unread pipe.
func drenar(e *common.EnvoltorioSocket) {
	go func() {
		for {
			if _, ok, _ := e.Recibir(); !ok {
				return
			}
		}
	}()
}

// recibirConTimeout waits briefly for a frame, returning ok=false if none
// arrives - used to assert a no-op.
func recibirConTimeout(e *common.EnvoltorioSocket, espera time.Duration) (string, bool) {
	resultado := make(chan string, 1)
	go func() {
		mensaje, ok, _ := e.Recibir()
		if ok {
			resultado <- mensaje
		}
	}()
	select {
	case mensaje := <-resultado:
		return mensaje, true
	case <-time.After(espera):
		return "", false
	}
}

func TestEleccionSinPeersMeElijoLider(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	c.iniciarEleccion()

	liderId, ok := c.LiderId()
	require.True(t, ok)
	assert.Equal(t, 1, liderId)
	assert.True(t, c.EsLider())
}

func TestEleccionElegeAlIdMasAlto(t *testing.T) {
	c := NuevoCoordinador(3, NuevoEstado())

	a1, b1 := tcpPar(t)
	a2, b2 := tcpPar(t)
	defer a1.Cerrar()
	defer b1.Cerrar()
	defer a2.Cerrar()
	defer b2.Cerrar()
	drenar(b1)
	drenar(b2)

	c.peers = map[int]*common.EnvoltorioSocket{1: a1, 2: a2}
	c.iniciarEleccion()

	liderId, ok := c.LiderId()
	require.True(t, ok)
	assert.Equal(t, 3, liderId)
	assert.True(t, c.EsLider())
}

func TestEleccionNoElegidoCuandoHayIdMasAlto(t *testing.T) {
	c := NuevoCoordinador(2, NuevoEstado())

	a1, b1 := tcpPar(t)
	a3, b3 := tcpPar(t)
	defer a1.Cerrar()
	defer b1.Cerrar()
	defer a3.Cerrar()
	defer b3.Cerrar()
	drenar(b1)
	drenar(b3)

	c.peers = map[int]*common.EnvoltorioSocket{1: a1, 3: a3}
	c.iniciarEleccion()

	liderId, ok := c.LiderId()
	require.True(t, ok)
	assert.Equal(t, 3, liderId)
	assert.False(t, c.EsLider())
}

func prepararPeersVivos(t *testing.T, c *Coordinador, ids ...int) {
	t.Helper()
	peers := make(map[int]*common.EnvoltorioSocket, len(ids))
	for _, id := range ids {
		a, b := tcpPar(t)
		drenar(b)
		peers[id] = a
	}
	c.peers = peers
}

func TestEleccionEsDeterministaConElMismoConjuntoVivo(t *testing.T) {
	primero := NuevoCoordinador(2, NuevoEstado())
	segundo := NuevoCoordinador(2, NuevoEstado())

	prepararPeersVivos(t, primero, 1, 3)
	prepararPeersVivos(t, segundo, 1, 3)

	primero.iniciarEleccion()
	segundo.iniciarEleccion()

	primerLider, _ := primero.LiderId()
	segundoLider, _ := segundo.LiderId()
	assert.Equal(t, primerLider, segundoLider)
}

func TestSincronizarOfertaEsNoOpCuandoNoSoyLider(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()
	c.peers = map[int]*common.EnvoltorioSocket{2: a}

	c.SincronizarOferta(10, "x")

	_, ok := recibirConTimeout(b, 150*time.Millisecond)
	assert.False(t, ok, "un replica que no es líder no debe replicar ofertas")
}

func TestSincronizarOfertaReplicaCuandoSoyLider(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()
	c.iniciarEleccion() // único vivo, me vuelvo líder
	require.True(t, c.EsLider())
	c.peers = map[int]*common.EnvoltorioSocket{2: a}

	c.SincronizarOferta(42.5, "127.0.0.1")

	mensaje, ok := recibirConTimeout(b, time.Second)
	require.True(t, ok)
	info, err := common.ParseSyncEstado(mensaje)
	require.NoError(t, err)
	assert.Equal(t, 42.5, info.Bid)
	assert.Equal(t, "127.0.0.1", info.Addr)
}

func TestManejarConexionPeerAplicaCoordinador(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	go c.manejarConexionPeer(a)

	require.NoError(t, b.Enviar(common.FormatCoordinador(2)))

	require.Eventually(t, func() bool {
		liderId, ok := c.LiderId()
		return ok && liderId == 2
	}, time.Second, 10*time.Millisecond)
	assert.False(t, c.EsLider(), "id=1 no es el coordinador anunciado")
	assert.Greater(t, c.ultimoHeartbeatMs.Load(), int64(0), "COORDINADOR también debe refrescar el heartbeat")
}

func TestManejarConexionPeerAplicaHeartbeat(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	go c.manejarConexionPeer(a)

	require.NoError(t, b.Enviar(common.FormatHeartbeat(2, time.Now().UnixMilli())))

	require.Eventually(t, func() bool {
		return c.ultimoHeartbeatMs.Load() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestManejarConexionPeerAplicaSyncEstado(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	go c.manejarConexionPeer(a)

	require.NoError(t, b.Enviar(common.FormatSyncEstado(250, "192.0.2.9", time.Now().UnixMilli())))

	require.Eventually(t, func() bool {
		direccion, oferta := c.estado.OfertaMaximaSnapshot()
		return oferta == 250 && direccion == "192.0.2.9"
	}, time.Second, 10*time.Millisecond)
}

func TestManejarConexionPeerAplicaEleccionRequest(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	go c.manejarConexionPeer(a)

	require.NoError(t, b.Enviar(common.EleccionRequest))

	// Sin peers propios, una elección forzada me vuelve líder a mí mismo.
	require.Eventually(t, func() bool {
		return c.EsLider()
	}, time.Second, 10*time.Millisecond)
}

func TestManejarConexionPeerIgnoraFrameMalFormadoYSigueLeyendo(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	go c.manejarConexionPeer(a)

	require.NoError(t, b.Enviar("COORDINADOR:no-es-un-id"))
	require.NoError(t, b.Enviar(common.FormatCoordinador(2)))

	require.Eventually(t, func() bool {
		liderId, ok := c.LiderId()
		return ok && liderId == 2
	}, time.Second, 10*time.Millisecond)
}

func TestEliminarPeerQuitaDelMapaYCierraLaConexion(t *testing.T) {
	c := NuevoCoordinador(1, NuevoEstado())
	a, b := tcpPar(t)
	defer b.Cerrar()
	c.peers = map[int]*common.EnvoltorioSocket{2: a}

	c.eliminarPeer(2)

	c.mu.Lock()
	_, sigueAhi := c.peers[2]
	c.mu.Unlock()
	assert.False(t, sigueAhi)

	// El extremo "a" ya fue cerrado por eliminarPeer: el otro extremo
	// debe observar EOF, no un frame real.
	_, ok := recibirConTimeout(b, 300*time.Millisecond)
	assert.False(t, ok)
}
