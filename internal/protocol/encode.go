package protocol

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// ProtocolVersion is the wire protocol version byte sent in Init/Join.
const ProtocolVersion byte = 0x08

// WriteTransportMessage serializes msg into w. Serialization failures
// abort the current operation and surface to the caller.
func WriteTransportMessage(w *iobuf.WBuf, msg TransportMessage) error {
	var err error
	switch m := msg.(type) {
	case *MsgScout:
		err = writeScout(w, m)
	case *MsgHello:
		err = writeHello(w, m)
	case *MsgInit:
		err = writeInit(w, m)
	case *MsgOpen:
		err = writeOpen(w, m)
	case *MsgJoin:
		err = writeJoin(w, m)
	case *MsgClose:
		err = writeClose(w, m)
	case *MsgKeepAlive:
		err = writeKeepAlive(w, m)
	case *MsgFrame:
		err = writeFrame(w, m)
	default:
		return zerr.Errorf(zerr.MessageSerializationFailed,
			"unknown transport message %T", msg)
	}
	if err != nil {
		return zerr.Wrap(zerr.MessageSerializationFailed, err)
	}
	return nil
}

func writeScout(w *iobuf.WBuf, m *MsgScout) error {
	h := MidScout
	if m.RequestZID {
		h |= FlagTI
	}
	if m.What != 0 {
		h |= FlagTW
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if m.What != 0 {
		return WriteZint(w, uint64(m.What))
	}
	return nil
}

func writeHello(w *iobuf.WBuf, m *MsgHello) error {
	h := MidHello
	if len(m.ZID) > 0 {
		h |= FlagTI
	}
	if m.Whatami != 0 {
		h |= FlagTW
	}
	if len(m.Locators) > 0 {
		h |= FlagTL
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if len(m.ZID) > 0 {
		if err := ValidateZID(m.ZID); err != nil {
			return err
		}
		if err := WriteBytes(w, m.ZID); err != nil {
			return err
		}
	}
	if m.Whatami != 0 {
		if err := WriteZint(w, uint64(m.Whatami)); err != nil {
			return err
		}
	}
	if len(m.Locators) > 0 {
		if err := WriteZint(w, uint64(len(m.Locators))); err != nil {
			return err
		}
		for _, loc := range m.Locators {
			if err := WriteString(w, loc); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeInit(w *iobuf.WBuf, m *MsgInit) error {
	h := MidInit | FlagTS
	if m.Ack {
		h |= FlagTA
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := w.WriteByte(m.Version); err != nil {
		return err
	}
	if err := WriteZint(w, uint64(m.Whatami)); err != nil {
		return err
	}
	if err := ValidateZID(m.ZID); err != nil {
		return err
	}
	if err := WriteBytes(w, m.ZID); err != nil {
		return err
	}
	if !m.SNResolution.Valid() {
		return zerr.Errorf(zerr.Invalid, "init: %s", m.SNResolution)
	}
	if err := w.WriteByte(byte(m.SNResolution)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(m.BatchSize)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(m.BatchSize >> 8)); err != nil {
		return err
	}
	if err := WriteZint(w, uint64(m.PatchLevel)); err != nil {
		return err
	}
	if m.Ack {
		return WriteBytes(w, m.Cookie)
	}
	return nil
}

func writeOpen(w *iobuf.WBuf, m *MsgOpen) error {
	h := MidOpen
	if m.Ack {
		h |= FlagTA
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := WriteZint(w, m.LeaseMS); err != nil {
		return err
	}
	if err := WriteZint(w, m.InitialSN); err != nil {
		return err
	}
	if !m.Ack {
		return WriteBytes(w, m.Cookie)
	}
	return nil
}

func writeJoin(w *iobuf.WBuf, m *MsgJoin) error {
	h := MidJoin | FlagTS
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := w.WriteByte(m.Version); err != nil {
		return err
	}
	if err := WriteZint(w, uint64(m.Whatami)); err != nil {
		return err
	}
	if err := WriteZint(w, m.LeaseMS); err != nil {
		return err
	}
	if err := ValidateZID(m.ZID); err != nil {
		return err
	}
	if err := WriteBytes(w, m.ZID); err != nil {
		return err
	}
	if !m.SNResolution.Valid() {
		return zerr.Errorf(zerr.Invalid, "join: %s", m.SNResolution)
	}
	if err := w.WriteByte(byte(m.SNResolution)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(m.BatchSize)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(m.BatchSize >> 8)); err != nil {
		return err
	}
	if err := WriteZint(w, m.NextSN.Reliable); err != nil {
		return err
	}
	return WriteZint(w, m.NextSN.BestEffort)
}

func writeClose(w *iobuf.WBuf, m *MsgClose) error {
	h := MidClose
	if len(m.ZID) > 0 {
		h |= FlagTI
	}
	if m.LinkOnly {
		h |= FlagTK
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if len(m.ZID) > 0 {
		if err := ValidateZID(m.ZID); err != nil {
			return err
		}
		if err := WriteBytes(w, m.ZID); err != nil {
			return err
		}
	}
	return w.WriteByte(m.Reason)
}

func writeKeepAlive(w *iobuf.WBuf, m *MsgKeepAlive) error {
	h := MidKeepAlive
	if len(m.ZID) > 0 {
		h |= FlagTI
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if len(m.ZID) > 0 {
		if err := ValidateZID(m.ZID); err != nil {
			return err
		}
		return WriteBytes(w, m.ZID)
	}
	return nil
}

func writeFrame(w *iobuf.WBuf, m *MsgFrame) error {
	h := MidFrame
	if m.Reliable {
		h |= FlagTR
	}
	if m.Fragment {
		h |= FlagTF
		if m.End {
			h |= FlagTE
		}
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := WriteZint(w, m.SN); err != nil {
		return err
	}
	if m.Fragment {
		// The fragment payload extends to the end of the batch.
		return w.WriteBytes(m.FragmentPayload, 0, len(m.FragmentPayload))
	}
	for _, zm := range m.Messages {
		if err := WriteZenohMessage(w, zm); err != nil {
			return err
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Zenoh-layer encoders
// -------------------------------------------------------------------------

// WriteZenohMessage serializes zm into w.
func WriteZenohMessage(w *iobuf.WBuf, zm ZenohMessage) error {
	switch m := zm.(type) {
	case *MsgDeclare:
		return writeDeclare(w, m)
	case *MsgData:
		return writeData(w, m)
	case *MsgQuery:
		return writeQuery(w, m)
	case *MsgPull:
		return writePull(w, m)
	case *MsgUnit:
		return writeUnit(w, m)
	case *MsgReplyContext:
		return writeReplyContext(w, m)
	default:
		return zerr.Errorf(zerr.MessageSerializationFailed,
			"unknown zenoh message %T", zm)
	}
}

// keyFlag returns the K bit if the reskey carries a suffix.
func keyFlag(k ResKey) byte {
	if k.Suffix != "" {
		return FlagZK
	}
	return 0
}

// writeResKey emits the id and, under K, the suffix.
func writeResKey(w *iobuf.WBuf, k ResKey, h byte) error {
	if err := WriteZint(w, k.RID); err != nil {
		return err
	}
	if HasFlag(h, FlagZK) {
		return WriteString(w, k.Suffix)
	}
	return nil
}

func writeDeclare(w *iobuf.WBuf, m *MsgDeclare) error {
	if err := w.WriteByte(MidDeclare); err != nil {
		return err
	}
	if err := WriteZint(w, uint64(len(m.Declarations))); err != nil {
		return err
	}
	for _, d := range m.Declarations {
		if err := writeDeclaration(w, d); err != nil {
			return err
		}
	}
	return nil
}

func writeDeclaration(w *iobuf.WBuf, d Declaration) error {
	switch dd := d.(type) {
	case *DeclResource:
		h := DeclIDResource | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		if err := WriteZint(w, dd.RID); err != nil {
			return err
		}
		return writeResKey(w, dd.Key, h)
	case *DeclPublisher:
		h := DeclIDPublisher | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		return writeResKey(w, dd.Key, h)
	case *DeclSubscriber:
		h := DeclIDSubscriber | keyFlag(dd.Key)
		if dd.Reliable {
			h |= FlagTR
		}
		if dd.Mode != SubModePush || dd.Period != nil {
			h |= FlagZS
		}
		if err := w.WriteByte(h); err != nil {
			return err
		}
		if err := writeResKey(w, dd.Key, h); err != nil {
			return err
		}
		if HasFlag(h, FlagZS) {
			mode := uint64(dd.Mode)
			if dd.Period != nil {
				mode |= 0x80
			}
			if err := WriteZint(w, mode); err != nil {
				return err
			}
			if dd.Period != nil {
				if err := WriteZint(w, dd.Period.Origin); err != nil {
					return err
				}
				if err := WriteZint(w, dd.Period.Period); err != nil {
					return err
				}
				return WriteZint(w, dd.Period.Duration)
			}
		}
		return nil
	case *DeclQueryable:
		h := DeclIDQueryable | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		if err := writeResKey(w, dd.Key, h); err != nil {
			return err
		}
		return WriteZint(w, dd.Kind)
	case *DeclForgetResource:
		if err := w.WriteByte(DeclIDForgetResource); err != nil {
			return err
		}
		return WriteZint(w, dd.RID)
	case *DeclForgetPublisher:
		h := DeclIDForgetPublisher | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		return writeResKey(w, dd.Key, h)
	case *DeclForgetSubscriber:
		h := DeclIDForgetSubscriber | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		return writeResKey(w, dd.Key, h)
	case *DeclForgetQueryable:
		h := DeclIDForgetQueryable | keyFlag(dd.Key)
		if err := w.WriteByte(h); err != nil {
			return err
		}
		return writeResKey(w, dd.Key, h)
	default:
		return zerr.Errorf(zerr.MessageSerializationFailed,
			"unknown declaration %T", d)
	}
}

func writeData(w *iobuf.WBuf, m *MsgData) error {
	h := MidData | keyFlag(m.Key)
	if m.Info != nil {
		h |= FlagZI
	}
	if m.Droppable {
		h |= FlagZD
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := writeResKey(w, m.Key, h); err != nil {
		return err
	}
	if m.Info != nil {
		if err := writeDataInfo(w, m.Info); err != nil {
			return err
		}
	}
	return WriteBytes(w, m.Payload)
}

func writeDataInfo(w *iobuf.WBuf, info *DataInfo) error {
	var opts uint64
	if info.Encoding != nil {
		opts |= dataInfoEncoding
	}
	if info.Kind != nil {
		opts |= dataInfoKind
	}
	if info.Timestamp != nil {
		opts |= dataInfoTimestamp
	}
	if len(info.SourceID) > 0 {
		opts |= dataInfoSourceID
	}
	if info.SourceSN != nil {
		opts |= dataInfoSourceSN
	}
	if err := WriteZint(w, opts); err != nil {
		return err
	}
	if info.Encoding != nil {
		if err := WriteZint(w, info.Encoding.Prefix); err != nil {
			return err
		}
		if err := WriteString(w, info.Encoding.Suffix); err != nil {
			return err
		}
	}
	if info.Kind != nil {
		if err := WriteZint(w, *info.Kind); err != nil {
			return err
		}
	}
	if info.Timestamp != nil {
		if err := WriteZint(w, info.Timestamp.Time); err != nil {
			return err
		}
		if err := WriteBytes(w, info.Timestamp.ID); err != nil {
			return err
		}
	}
	if len(info.SourceID) > 0 {
		if err := WriteBytes(w, info.SourceID); err != nil {
			return err
		}
	}
	if info.SourceSN != nil {
		if err := WriteZint(w, *info.SourceSN); err != nil {
			return err
		}
	}
	return nil
}

func writeQuery(w *iobuf.WBuf, m *MsgQuery) error {
	h := MidQuery | keyFlag(m.Key)
	if m.Target != nil {
		h |= FlagZT
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := writeResKey(w, m.Key, h); err != nil {
		return err
	}
	if err := WriteString(w, m.Predicate); err != nil {
		return err
	}
	if err := WriteZint(w, m.QID); err != nil {
		return err
	}
	if m.Target != nil {
		if err := WriteZint(w, m.Target.Kind); err != nil {
			return err
		}
		if err := WriteZint(w, uint64(m.Target.Tag)); err != nil {
			return err
		}
		if m.Target.Tag == TargetComplete {
			if err := WriteZint(w, m.Target.N); err != nil {
				return err
			}
		}
	}
	return WriteZint(w, uint64(m.Consolidation))
}

func writePull(w *iobuf.WBuf, m *MsgPull) error {
	h := MidPull | keyFlag(m.Key)
	if m.Final {
		h |= FlagZF
	}
	if m.MaxSamples != nil {
		h |= FlagZN
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := writeResKey(w, m.Key, h); err != nil {
		return err
	}
	if err := WriteZint(w, m.PullID); err != nil {
		return err
	}
	if m.MaxSamples != nil {
		return WriteZint(w, *m.MaxSamples)
	}
	return nil
}

func writeUnit(w *iobuf.WBuf, m *MsgUnit) error {
	h := MidUnit
	if m.Droppable {
		h |= FlagZD
	}
	return w.WriteByte(h)
}

func writeReplyContext(w *iobuf.WBuf, m *MsgReplyContext) error {
	h := MidReplyContext
	if m.Final {
		h |= FlagZF
	}
	if err := w.WriteByte(h); err != nil {
		return err
	}
	if err := WriteZint(w, m.QID); err != nil {
		return err
	}
	if m.Final {
		return nil
	}
	if err := WriteZint(w, m.ReplierKind); err != nil {
		return err
	}
	return WriteBytes(w, m.ReplierID)
}
