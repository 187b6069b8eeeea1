package account

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

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

func clienteSinConectar() *ClienteSubasta {
	return &ClienteSubasta{
		log:     log.WithField("rol", "cliente-prueba"),
		finalCh: make(chan struct{}),
	}
}

func TestGaneComparaPorMonto(t *testing.T) {
	assert.True(t, InfoFinal{MiUltimaOferta: 100, OfertaGanadora: 100}.Gane())
	assert.False(t, InfoFinal{MiUltimaOferta: 80, OfertaGanadora: 100}.Gane())
	assert.False(t, InfoFinal{MiUltimaOferta: 0, OfertaGanadora: 0}.Gane())
}

func TestEnviarOfertaRecibeConfirmacion(t *testing.T) {
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	c := clienteSinConectar()
	c.envoltorio = a
	go c.escuchar(a)

	go func() {
		mensaje, ok, _ := b.Recibir()
		if !ok || mensaje != "50.0" {
			return
		}
		_ = b.Enviar(common.FormatConf("cliente1", 50, 80, true))
	}()

	estado := c.EnviarOferta(50)
	assert.True(t, estado.Ok)
	assert.Equal(t, "cliente1", estado.DireccionMax)
	assert.Equal(t, 50.0, estado.OfertaMax)
	assert.True(t, estado.EsLider)
}

func TestEnviarOfertaPropagaErrorDelServidor(t *testing.T) {
	a, b := tcpPar(t)
	defer a.Cerrar()
	defer b.Cerrar()

	c := clienteSinConectar()
	c.envoltorio = a
	go c.escuchar(a)

	go func() {
		_, _, _ = b.Recibir()
		_ = b.Enviar(common.ErrOfertaNoPositiva)
	}()

	estado := c.EnviarOferta(-1)
	assert.False(t, estado.Ok)
	assert.Equal(t, common.ErrOfertaNoPositiva, estado.Mensaje)
}

func TestIntentarOfertaSinConexionFallaSinBloquear(t *testing.T) {
	c := clienteSinConectar()
	_, ok := c.intentarOferta(10)
	assert.False(t, ok)
}

func TestEntregaResultadoUnaVez(t *testing.T) {
	c := clienteSinConectar()
	c.miUltimaOferta = 75

	c.procesarMensaje(common.FormatResultado("x", 75))
	c.procesarMensaje(common.FormatResultado("y", 999)) // debe ignorarse, ya hay un resultado

	resultado, ok := c.EsperarResultado(time.Second)
	require.True(t, ok)
	assert.Equal(t, "x", resultado.DireccionGanador)
	assert.Equal(t, 75.0, resultado.OfertaGanadora)
	assert.True(t, resultado.Gane())
}

func TestEsperarResultadoExpiraSiNuncaLlega(t *testing.T) {
	c := clienteSinConectar()
	_, ok := c.EsperarResultado(100 * time.Millisecond)
	assert.False(t, ok)
}

func TestProcesarMensajeIgnoraFramesDesconocidos(t *testing.T) {
	c := clienteSinConectar()
	assert.NotPanics(t, func() { c.procesarMensaje("UN_FRAME_QUE_NO_EXISTE:1:2:3") })
}

func TestSalirEnviaComandoYCierraElSocket(t *testing.T) {
	a, b := tcpPar(t)
	defer b.Cerrar()

	c := clienteSinConectar()
	c.envoltorio = a

	c.Salir()

	mensaje, ok, err := b.Recibir()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, common.ComandoSalir, mensaje)
}
