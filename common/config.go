package common

import (
	"fmt"
	"time"
)

// Timing constants for the auction session and the ring protocol. These
// mirror the values fixed in the original implementation: a 90 second
// session, a 3 second heartbeat, a 10 second leader-death timeout and a
// 4 second periodic broadcast.
const (
	DuracionSubasta      = 90 * time.Second
	IntervaloHeartbeat   = 3 * time.Second
	TimeoutLider         = 10 * time.Second
	IntervaloMonitor     = 2 * time.Second
	IntervaloActualizar  = 4 * time.Second
	GraciaArranqueRing   = 2 * time.Second
	TimeoutConexionPeer  = 3 * time.Second
	DrenajeTrasFinalizar = 2 * time.Second

	TimeoutConfirmacionCliente = 10 * time.Second
	MaxReintentosCliente       = 3
	EsperaEntreReintentos      = 5 * time.Second
)

// InfoReplica binds one replica's identity to its client-facing and
// ring-facing listening addresses. PeerPort is always ClientPort+1000,
// matching ConfiguracionRing.InfoServidor in the original server.
type InfoReplica struct {
	Id         int
	Host       string
	ClientPort int
	PeerPort   int
}

func (r InfoReplica) DireccionClientes() string {
	return fmt.Sprintf("%s:%d", r.Host, r.ClientPort)
}

func (r InfoReplica) DireccionRing() string {
	return fmt.Sprintf("%s:%d", r.Host, r.PeerPort)
}

// Membresia is the static 3-replica membership table. Default bidder
// port is 9090; ids are 1..3.
var Membresia = []InfoReplica{
	nuevaReplica(1, "localhost", 9090),
	nuevaReplica(2, "localhost", 9091),
	nuevaReplica(3, "localhost", 9092),
}

func nuevaReplica(id int, host string, clientPort int) InfoReplica {
	return InfoReplica{
		Id:         id,
		Host:       host,
		ClientPort: clientPort,
		PeerPort:   clientPort + 1000,
	}
}

// ObtenerReplica looks up a membership entry by id.
func ObtenerReplica(id int) (InfoReplica, bool) {
	for _, r := range Membresia {
		if r.Id == id {
			return r, true
		}
	}
	return InfoReplica{}, false
}

// ObtenerOtrasReplicas returns every membership entry except id.
func ObtenerOtrasReplicas(id int) []InfoReplica {
	otras := make([]InfoReplica, 0, len(Membresia)-1)
	for _, r := range Membresia {
		if r.Id != id {
			otras = append(otras, r)
		}
	}
	return otras
}

// EsIdValido reports whether id names a configured replica.
func EsIdValido(id int) bool {
	_, ok := ObtenerReplica(id)
	return ok
}
