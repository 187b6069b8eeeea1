package common

import (
	"bufio"
	"net"
	"sync"
)

// maxLineaBytes bounds a single frame. The spec only requires this to
// exceed 1024 bytes; bufio.Scanner's default buffer already does, but we
// size it explicitly so the limit is not an accident of the stdlib default.
const maxLineaBytes = 64 * 1024

// EnvoltorioSocket wraps a net.Conn with the newline-framed text protocol
// described in §4.1: every message is one UTF-8 line terminated by '\n',
// writes flush immediately, and EOF on read means the peer disconnected.
// This is the Go analogue of the original SocketWrapper.
type EnvoltorioSocket struct {
	conn    net.Conn
	lector  *bufio.Scanner
	escrMu  sync.Mutex
	escrito *bufio.Writer
}

// NuevoEnvoltorio wraps an already-established connection.
func NuevoEnvoltorio(conn net.Conn) *EnvoltorioSocket {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineaBytes)
	return &EnvoltorioSocket{
		conn:    conn,
		lector:  scanner,
		escrito: bufio.NewWriter(conn),
	}
}

// Conectar dials a line-framed connection to the given address.
func Conectar(addr string) (*EnvoltorioSocket, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NuevoEnvoltorio(conn), nil
}

// Enviar writes one frame, appending the trailing newline, and flushes.
// Writes are serialized: the handler's read loop and the session
// controller's broadcast/result timers can write to the same connection
// concurrently, and frames must never interleave.
func (e *EnvoltorioSocket) Enviar(mensaje string) error {
	e.escrMu.Lock()
	defer e.escrMu.Unlock()
	if _, err := e.escrito.WriteString(mensaje); err != nil {
		return err
	}
	if err := e.escrito.WriteByte('\n'); err != nil {
		return err
	}
	return e.escrito.Flush()
}

// Recibir reads one complete frame. It reports a clean disconnect (EOF)
// as ok=false with a nil error, matching BufferedReader
// readLine() returning null in the original.
func (e *EnvoltorioSocket) Recibir() (mensaje string, ok bool, err error) {
	if !e.lector.Scan() {
		return "", false, e.lector.Err()
	}
	return e.lector.Text(), true, nil
}

// DireccionRemota returns the remote host used as bidder identity
// throughout the protocol, stripped of its port. The frames in
// common/mensajes.go split on ":" and read fields by position, so a
// colon-bearing address (every real TCP peer's RemoteAddr, which is
// always "host:port") would desync every field after it; the original
// avoids this by recording only the host
// (ServidorSubasta.java: socketParticipante.getInetAddress().getHostAddress()).
func (e *EnvoltorioSocket) DireccionRemota() string {
	remoto := e.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remoto)
	if err != nil {
		return remoto
	}
	return host
}

// Cerrar closes the underlying connection.
func (e *EnvoltorioSocket) Cerrar() error {
	return e.conn.Close()
}
