package wire

import (
	"errors"
	"fmt"

	"farlands/replication/internal/action"
	"farlands/replication/internal/entity"
	"farlands/replication/internal/seq"
)

// Field widths of the action wire format. The tag is fixed at 4 bits, which
// leaves headroom above the current variant count; widening it is a
// wire-format break.
const (
	tagBits    = 4
	statusBits = 3
)

// ErrBadTag is returned when a decoded tag does not name a known variant.
var ErrBadTag = errors.New("wire: unknown action tag")

// Redirect resolves an on-the-wire identifier through the connection's
// redirect table. The codec applies it to the addressed entity immediately
// before serialization on the write path and immediately after
// deserialization on the read path, so identifiers rewritten by a migration
// keep landing on the right channel. The rename payload of a
// MigrateResponse is exempt: it names literal identifiers, not an address.
type Redirect func(entity.OwnedLocalID) entity.OwnedLocalID

// NoRedirect passes identifiers through unchanged.
func NoRedirect(id entity.OwnedLocalID) entity.OwnedLocalID { return id }

func writeOwned(w *BitWriter, id entity.OwnedLocalID) error {
	if err := w.WriteBool(id.Side == entity.SideRemote); err != nil {
		return err
	}
	return w.WriteUint16(id.Value)
}

func readOwned(r *BitReader) (entity.OwnedLocalID, error) {
	remote, err := r.ReadBool()
	if err != nil {
		return entity.OwnedLocalID{}, err
	}
	value, err := r.ReadUint16()
	if err != nil {
		return entity.OwnedLocalID{}, err
	}
	side := entity.SideHost
	if remote {
		side = entity.SideRemote
	}
	return entity.OwnedLocalID{Side: side, Value: value}, nil
}

// EncodeAction appends one action, resolving the addressed entity through
// redirect first. A MigrateResponse's rename payload is written as is.
func EncodeAction(w *BitWriter, a action.Action, redirect Redirect) error {
	if a.Type >= action.TypeCount {
		return ErrBadTag
	}
	if err := w.WriteBits(uint32(a.Type), tagBits); err != nil {
		return err
	}
	if err := writeOwned(w, redirect(a.Entity)); err != nil {
		return err
	}
	switch a.Type {
	case action.InsertComponent, action.RemoveComponent:
		return w.WriteUint16(uint16(a.Kind))
	case action.RequestAuthority:
		return w.WriteUint16(a.Target)
	case action.UpdateAuthority:
		return w.WriteBits(uint32(a.Status), statusBits)
	case action.MigrateResponse:
		if err := writeOwned(w, a.OldEntity); err != nil {
			return err
		}
		return writeOwned(w, a.NewEntity)
	}
	return nil
}

// DecodeAction consumes one action, resolving the addressed entity through
// redirect after the raw read. A MigrateResponse's rename payload is
// returned as read.
func DecodeAction(r *BitReader, redirect Redirect) (action.Action, error) {
	tag, err := r.ReadBits(tagBits)
	if err != nil {
		return action.Action{}, err
	}
	if tag >= uint32(action.TypeCount) {
		return action.Action{}, fmt.Errorf("%w: %d", ErrBadTag, tag)
	}
	a := action.Action{Type: action.Type(tag)}

	raw, err := readOwned(r)
	if err != nil {
		return action.Action{}, err
	}
	a.Entity = redirect(raw)

	switch a.Type {
	case action.InsertComponent, action.RemoveComponent:
		kind, err := r.ReadUint16()
		if err != nil {
			return action.Action{}, err
		}
		a.Kind = entity.ComponentKind(kind)
	case action.RequestAuthority:
		target, err := r.ReadUint16()
		if err != nil {
			return action.Action{}, err
		}
		a.Target = target
	case action.UpdateAuthority:
		status, err := r.ReadBits(statusBits)
		if err != nil {
			return action.Action{}, err
		}
		a.Status = action.AuthStatus(status)
	case action.MigrateResponse:
		old, err := readOwned(r)
		if err != nil {
			return action.Action{}, err
		}
		newer, err := readOwned(r)
		if err != nil {
			return action.Action{}, err
		}
		a.OldEntity = old
		a.NewEntity = newer
	}
	return a, nil
}

// Indexed is one action paired with its message index.
type Indexed struct {
	Index  seq.Index
	Action action.Action
}

// Packet is the unit handed to the transport: a packet index for acking plus
// the indexed actions it carries.
type Packet struct {
	Index   seq.Index
	Actions []Indexed
}

// maxPacketActions bounds the 8-bit action count field.
const maxPacketActions = 255

// EncodePacket serializes p, resolving identifiers through redirect at write
// time.
func EncodePacket(p Packet, redirect Redirect) ([]byte, error) {
	if len(p.Actions) > maxPacketActions {
		return nil, fmt.Errorf("wire: packet carries %d actions, max %d", len(p.Actions), maxPacketActions)
	}
	w := NewBitWriter()
	if err := w.WriteUint16(uint16(p.Index)); err != nil {
		return nil, err
	}
	if err := w.WriteBits(uint32(len(p.Actions)), 8); err != nil {
		return nil, err
	}
	for _, ia := range p.Actions {
		if err := w.WriteUint16(uint16(ia.Index)); err != nil {
			return nil, err
		}
		if err := EncodeAction(w, ia.Action, redirect); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// DecodePacket parses a transport frame, resolving identifiers through
// redirect at read time.
func DecodePacket(payload []byte, redirect Redirect) (Packet, error) {
	r := NewBitReader(payload)
	idx, err := r.ReadUint16()
	if err != nil {
		return Packet{}, err
	}
	count, err := r.ReadBits(8)
	if err != nil {
		return Packet{}, err
	}
	p := Packet{Index: seq.Index(idx), Actions: make([]Indexed, 0, count)}
	for i := uint32(0); i < count; i++ {
		mi, err := r.ReadUint16()
		if err != nil {
			return Packet{}, err
		}
		a, err := DecodeAction(r, redirect)
		if err != nil {
			return Packet{}, err
		}
		p.Actions = append(p.Actions, Indexed{Index: seq.Index(mi), Action: a})
	}
	return p, nil
}
