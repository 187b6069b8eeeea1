package consensus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zDemon44/SEB-SUBASTA/common"
)

// ParticipanteInfo is a bidder's latest known offer, keyed by the remote
// address that identifies them (§3 ParticipantRecord).
type ParticipanteInfo struct {
	Direccion        string
	UltimaOferta     float64
	UltimaActualizMs int64
}

// EstadoSubasta is the in-memory auction state store (C2). All mutators
// serialize under mutex; Activa/MomentoInicioMs additionally maintain an
// atomic mirror so fast-path readers (the handler's per-bid TIEMPO
// computation) don't need to take the lock.
type EstadoSubasta struct {
	mu sync.Mutex

	ofertaMaxima    float64
	direccionMaxima string
	participantes   []*ParticipanteInfo // insertion-ordered, unique by Direccion

	activo           atomic.Bool
	momentoInicioMs  atomic.Int64
}

// NuevoEstado returns a fresh store with the invariants of §3 satisfied
// (highBidder = "none", highBid = 0, no participants, inactive).
func NuevoEstado() *EstadoSubasta {
	e := &EstadoSubasta{
		direccionMaxima: common.NingunPostor,
	}
	return e
}

func (e *EstadoSubasta) buscar(direccion string) *ParticipanteInfo {
	for _, p := range e.participantes {
		if p.Direccion == direccion {
			return p
		}
	}
	return nil
}

// Registrar upserts the participant's bid and reports whether it became
// the new high bid. Tie-break is strict '>': an equal bid never displaces
// the incumbent (§4.2).
func (e *EstadoSubasta) Registrar(oferta float64, direccion string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ahora := time.Now().UnixMilli()
	p := e.buscar(direccion)
	if p == nil {
		p = &ParticipanteInfo{Direccion: direccion}
		e.participantes = append(e.participantes, p)
	}
	p.UltimaOferta = oferta
	p.UltimaActualizMs = ahora

	if oferta > e.ofertaMaxima {
		e.ofertaMaxima = oferta
		e.direccionMaxima = direccion
		return true
	}
	return false
}

// FusionarRemota applies a replicated update like Registrar does, except
// that a participant's recorded bid is only ever raised, never lowered. It
// is idempotent under reapplication and is always safe to call from the
// replication receive path (§4.2 mergeRemote).
func (e *EstadoSubasta) FusionarRemota(oferta float64, direccion string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ahora := time.Now().UnixMilli()
	p := e.buscar(direccion)
	if p == nil {
		p = &ParticipanteInfo{Direccion: direccion}
		e.participantes = append(e.participantes, p)
	}
	if oferta > p.UltimaOferta {
		p.UltimaOferta = oferta
		p.UltimaActualizMs = ahora
	}

	if oferta > e.ofertaMaxima {
		e.ofertaMaxima = oferta
		e.direccionMaxima = direccion
	}
}

// Reiniciar resets every field to its initial value (§3 Lifecycles).
func (e *EstadoSubasta) Reiniciar() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ofertaMaxima = 0
	e.direccionMaxima = common.NingunPostor
	e.participantes = nil
	e.activo.Store(false)
	e.momentoInicioMs.Store(0)
}

// Iniciar marks the store active and timestamps the session start.
func (e *EstadoSubasta) Iniciar() {
	e.momentoInicioMs.Store(time.Now().UnixMilli())
	e.activo.Store(true)
}

// Finalizar marks the store inactive without touching the bid history.
func (e *EstadoSubasta) Finalizar() {
	e.activo.Store(false)
}

// Activa reports whether a session is currently running, without
// acquiring the store's mutex (fast-path read, §5).
func (e *EstadoSubasta) Activa() bool {
	return e.activo.Load()
}

// MomentoInicioMs returns the session start timestamp, or 0 if none has
// started, without acquiring the mutex.
func (e *EstadoSubasta) MomentoInicioMs() int64 {
	return e.momentoInicioMs.Load()
}

// OfertaMaximaSnapshot returns the high bid and bidder address under lock.
func (e *EstadoSubasta) OfertaMaximaSnapshot() (direccion string, oferta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.direccionMaxima, e.ofertaMaxima
}

// SnapshotOfertaMaxima renders "OFERTA_MAX:<addr>:<bid>", or
// "OFERTA_MAX:none:0.0" while no bid has been placed (§4.2 snapshotHigh).
func (e *EstadoSubasta) SnapshotOfertaMaxima() string {
	direccion, oferta := e.OfertaMaximaSnapshot()
	return common.FormatOfertaMax(direccion, oferta)
}

// Ganador returns the participant record matching the current high
// bidder, or nil if no bid has been placed (§4.2 winner).
func (e *EstadoSubasta) Ganador() *ParticipanteInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.direccionMaxima == common.NingunPostor {
		return nil
	}
	p := e.buscar(e.direccionMaxima)
	if p == nil {
		return nil
	}
	copia := *p
	return &copia
}

// Participantes returns a defensive snapshot of every participant record.
func (e *EstadoSubasta) Participantes() []ParticipanteInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ParticipanteInfo, len(e.participantes))
	for i, p := range e.participantes {
		out[i] = *p
	}
	return out
}

// NumeroParticipantes reports how many distinct bidders have registered.
func (e *EstadoSubasta) NumeroParticipantes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.participantes)
}

// Serializar produces a complete snapshot string for full-state
// replication: "ofertaMaxima|direccionMaxima|momentoInicio|activo|addr:bid,addr:bid,...".
func (e *EstadoSubasta) Serializar() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(common.FormatMonto(e.ofertaMaxima))
	sb.WriteByte('|')
	sb.WriteString(e.direccionMaxima)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatInt(e.momentoInicioMs.Load(), 10))
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatBool(e.activo.Load()))
	sb.WriteByte('|')
	for i, p := range e.participantes {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.Direccion)
		sb.WriteByte(':')
		sb.WriteString(common.FormatMonto(p.UltimaOferta))
	}
	return sb.String()
}

// Deserializar replaces the store's contents with a snapshot produced by
// Serializar. Participant timestamps are not preserved across the wire;
// they are stamped at deserialization time.
func (e *EstadoSubasta) Deserializar(datos string) error {
	partes := strings.SplitN(datos, "|", 5)
	if len(partes) < 4 {
		return fmt.Errorf("consensus: snapshot mal formado: %q", datos)
	}

	oferta, err := strconv.ParseFloat(partes[0], 64)
	if err != nil {
		return fmt.Errorf("consensus: ofertaMaxima inválida: %w", err)
	}
	momento, err := strconv.ParseInt(partes[2], 10, 64)
	if err != nil {
		return fmt.Errorf("consensus: momentoInicio inválido: %w", err)
	}
	activo, err := strconv.ParseBool(partes[3])
	if err != nil {
		return fmt.Errorf("consensus: activo inválido: %w", err)
	}

	var participantes []*ParticipanteInfo
	if len(partes) == 5 && partes[4] != "" {
		ahora := time.Now().UnixMilli()
		for _, pData := range strings.Split(partes[4], ",") {
			campos := strings.Split(pData, ":")
			if len(campos) != 2 {
				continue
			}
			bid, err := strconv.ParseFloat(campos[1], 64)
			if err != nil {
				continue
			}
			participantes = append(participantes, &ParticipanteInfo{
				Direccion:        campos[0],
				UltimaOferta:     bid,
				UltimaActualizMs: ahora,
			})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ofertaMaxima = oferta
	e.direccionMaxima = partes[1]
	e.participantes = participantes
	e.activo.Store(activo)
	e.momentoInicioMs.Store(momento)
	return nil
}
