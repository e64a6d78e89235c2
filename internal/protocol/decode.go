package protocol

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// ReadTransportMessage decodes the next transport message from z.
// Parse failures on the receive path classify the peer as malformed;
// the transport closes on any non-nil error.
func ReadTransportMessage(z *iobuf.ZBuf) (TransportMessage, error) {
	h, err := z.ReadByte()
	if err != nil {
		return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
	}
	switch Mid(h) {
	case MidScout:
		return readScout(z, h)
	case MidHello:
		return readHello(z, h)
	case MidInit:
		return readInit(z, h)
	case MidOpen:
		return readOpen(z, h)
	case MidJoin:
		return readJoin(z, h)
	case MidClose:
		return readClose(z, h)
	case MidKeepAlive:
		return readKeepAlive(z, h)
	case MidFrame:
		return readFrame(z, h)
	default:
		return nil, zerr.Errorf(zerr.MessageTransportUnknown,
			"transport mid %#x", Mid(h))
	}
}

func readScout(z *iobuf.ZBuf, h byte) (*MsgScout, error) {
	m := &MsgScout{RequestZID: HasFlag(h, FlagTI)}
	if HasFlag(h, FlagTW) {
		what, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		m.What = Whatami(what)
	}
	return m, nil
}

func readHello(z *iobuf.ZBuf, h byte) (*MsgHello, error) {
	m := &MsgHello{}
	if HasFlag(h, FlagTI) {
		zid, err := ReadBytes(z)
		if err != nil {
			return nil, err
		}
		if err := ValidateZID(zid); err != nil {
			return nil, err
		}
		m.ZID = append([]byte(nil), zid...)
	}
	if HasFlag(h, FlagTW) {
		what, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		m.Whatami = Whatami(what)
	}
	if HasFlag(h, FlagTL) {
		n, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		if n > uint64(z.Readable()) {
			return nil, zerr.Errorf(zerr.MessageDeserializationFailed,
				"hello: locator count %d exceeds payload", n)
		}
		m.Locators = make([]string, 0, n)
		for range n {
			loc, err := ReadString(z)
			if err != nil {
				return nil, err
			}
			m.Locators = append(m.Locators, loc)
		}
	}
	return m, nil
}

func readInit(z *iobuf.ZBuf, h byte) (*MsgInit, error) {
	m := &MsgInit{Ack: HasFlag(h, FlagTA)}
	var err error
	if m.Version, err = z.ReadByte(); err != nil {
		return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
	}
	what, err := ReadZint(z)
	if err != nil {
		return nil, err
	}
	m.Whatami = Whatami(what)
	zid, err := ReadBytes(z)
	if err != nil {
		return nil, err
	}
	if err := ValidateZID(zid); err != nil {
		return nil, err
	}
	m.ZID = append([]byte(nil), zid...)
	if HasFlag(h, FlagTS) {
		res, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		m.SNResolution = Resolution(res)
		if !m.SNResolution.Valid() {
			return nil, zerr.Errorf(zerr.MessageDeserializationFailed,
				"init: invalid sn resolution code %d", res)
		}
		lo, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		hi, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		m.BatchSize = uint16(lo) | uint16(hi)<<8
		patch, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		m.PatchLevel = uint8(patch)
	} else {
		m.SNResolution = Res28
	}
	if m.Ack {
		cookie, err := ReadBytes(z)
		if err != nil {
			return nil, err
		}
		m.Cookie = append([]byte(nil), cookie...)
	}
	return m, nil
}

func readOpen(z *iobuf.ZBuf, h byte) (*MsgOpen, error) {
	m := &MsgOpen{Ack: HasFlag(h, FlagTA)}
	var err error
	if m.LeaseMS, err = ReadZint(z); err != nil {
		return nil, err
	}
	if HasFlag(h, FlagTT) {
		m.LeaseMS *= 1000
	}
	if m.InitialSN, err = ReadZint(z); err != nil {
		return nil, err
	}
	if !m.Ack {
		cookie, err := ReadBytes(z)
		if err != nil {
			return nil, err
		}
		m.Cookie = append([]byte(nil), cookie...)
	}
	return m, nil
}

func readJoin(z *iobuf.ZBuf, h byte) (*MsgJoin, error) {
	m := &MsgJoin{}
	var err error
	if m.Version, err = z.ReadByte(); err != nil {
		return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
	}
	what, err := ReadZint(z)
	if err != nil {
		return nil, err
	}
	m.Whatami = Whatami(what)
	// The lease is always in milliseconds here: bit 0x40 of a Join header
	// is the S flag, not the seconds flag of Open.
	if m.LeaseMS, err = ReadZint(z); err != nil {
		return nil, err
	}
	zid, err := ReadBytes(z)
	if err != nil {
		return nil, err
	}
	if err := ValidateZID(zid); err != nil {
		return nil, err
	}
	m.ZID = append([]byte(nil), zid...)
	if HasFlag(h, FlagTS) {
		res, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		m.SNResolution = Resolution(res)
		if !m.SNResolution.Valid() {
			return nil, zerr.Errorf(zerr.MessageDeserializationFailed,
				"join: invalid sn resolution code %d", res)
		}
		lo, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		hi, err := z.ReadByte()
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		m.BatchSize = uint16(lo) | uint16(hi)<<8
	} else {
		m.SNResolution = Res28
	}
	if m.NextSN.Reliable, err = ReadZintBounded(z, m.SNResolution); err != nil {
		return nil, err
	}
	if m.NextSN.BestEffort, err = ReadZintBounded(z, m.SNResolution); err != nil {
		return nil, err
	}
	return m, nil
}

func readClose(z *iobuf.ZBuf, h byte) (*MsgClose, error) {
	m := &MsgClose{LinkOnly: HasFlag(h, FlagTK)}
	if HasFlag(h, FlagTI) {
		zid, err := ReadBytes(z)
		if err != nil {
			return nil, err
		}
		if err := ValidateZID(zid); err != nil {
			return nil, err
		}
		m.ZID = append([]byte(nil), zid...)
	}
	reason, err := z.ReadByte()
	if err != nil {
		return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
	}
	m.Reason = reason
	return m, nil
}

func readKeepAlive(z *iobuf.ZBuf, h byte) (*MsgKeepAlive, error) {
	m := &MsgKeepAlive{}
	if HasFlag(h, FlagTI) {
		zid, err := ReadBytes(z)
		if err != nil {
			return nil, err
		}
		if err := ValidateZID(zid); err != nil {
			return nil, err
		}
		m.ZID = append([]byte(nil), zid...)
	}
	return m, nil
}

// readFrame decodes a frame. The payload extends until the buffer is
// exhausted or the next header byte belongs to the transport id space
// (the two spaces are disjoint, so the boundary is unambiguous).
func readFrame(z *iobuf.ZBuf, h byte) (*MsgFrame, error) {
	m := &MsgFrame{
		Reliable: HasFlag(h, FlagTR),
		Fragment: HasFlag(h, FlagTF),
		End:      HasFlag(h, FlagTE),
	}
	var err error
	if m.SN, err = ReadZint(z); err != nil {
		return nil, err
	}
	if m.Fragment {
		payload, err := z.Read(z.Readable())
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		m.FragmentPayload = append([]byte(nil), payload...)
		return m, nil
	}
	for z.Readable() > 0 {
		next, err := z.Peek(1)
		if err != nil {
			return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
		}
		if !IsZenohMid(Mid(next[0])) {
			break
		}
		zm, err := ReadZenohMessage(z)
		if err != nil {
			return nil, err
		}
		m.Messages = append(m.Messages, zm)
	}
	return m, nil
}

// -------------------------------------------------------------------------
// Zenoh-layer decoders
// -------------------------------------------------------------------------

// ReadZenohMessage decodes the next zenoh message from z.
func ReadZenohMessage(z *iobuf.ZBuf) (ZenohMessage, error) {
	h, err := z.ReadByte()
	if err != nil {
		return nil, zerr.Wrap(zerr.MessageDeserializationFailed, err)
	}
	switch Mid(h) {
	case MidDeclare:
		return readDeclare(z, h)
	case MidData:
		return readData(z, h)
	case MidQuery:
		return readQuery(z, h)
	case MidPull:
		return readPull(z, h)
	case MidUnit:
		return &MsgUnit{Droppable: HasFlag(h, FlagZD)}, nil
	case MidReplyContext:
		return readReplyContext(z, h)
	default:
		return nil, zerr.Errorf(zerr.MessageDeserializationFailed,
			"zenoh mid %#x", Mid(h))
	}
}

// readResKey decodes the id and, under K, the suffix.
func readResKey(z *iobuf.ZBuf, h byte) (ResKey, error) {
	var k ResKey
	var err error
	if k.RID, err = ReadZint(z); err != nil {
		return k, zerr.Wrap(zerr.ParseResKey, err)
	}
	if HasFlag(h, FlagZK) {
		if k.Suffix, err = ReadString(z); err != nil {
			return k, zerr.Wrap(zerr.ParseResKey, err)
		}
	}
	return k, nil
}

func readDeclare(z *iobuf.ZBuf, _ byte) (*MsgDeclare, error) {
	n, err := ReadZint(z)
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseDeclaration, err)
	}
	if n > uint64(z.Readable()) {
		return nil, zerr.Errorf(zerr.ParseDeclaration,
			"declaration count %d exceeds payload", n)
	}
	m := &MsgDeclare{Declarations: make([]Declaration, 0, n)}
	for range n {
		d, err := readDeclaration(z)
		if err != nil {
			return nil, err
		}
		m.Declarations = append(m.Declarations, d)
	}
	return m, nil
}

func readDeclaration(z *iobuf.ZBuf) (Declaration, error) {
	h, err := z.ReadByte()
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseDeclaration, err)
	}
	switch Mid(h) {
	case DeclIDResource:
		d := &DeclResource{}
		if d.RID, err = ReadZint(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseDeclaration, err)
		}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		return d, nil
	case DeclIDPublisher:
		d := &DeclPublisher{}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		return d, nil
	case DeclIDSubscriber:
		d := &DeclSubscriber{Reliable: HasFlag(h, FlagTR)}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		if HasFlag(h, FlagZS) {
			mode, err := ReadZint(z)
			if err != nil {
				return nil, zerr.Wrap(zerr.ParseSubMode, err)
			}
			hasPeriod := mode&0x80 != 0
			mode &= 0x7f
			if mode != uint64(SubModePush) && mode != uint64(SubModePull) {
				return nil, zerr.Errorf(zerr.ParseSubMode,
					"subscription mode %d", mode)
			}
			d.Mode = SubMode(mode)
			if hasPeriod {
				p := &Period{}
				if p.Origin, err = ReadZint(z); err != nil {
					return nil, zerr.Wrap(zerr.ParsePeriod, err)
				}
				if p.Period, err = ReadZint(z); err != nil {
					return nil, zerr.Wrap(zerr.ParsePeriod, err)
				}
				if p.Duration, err = ReadZint(z); err != nil {
					return nil, zerr.Wrap(zerr.ParsePeriod, err)
				}
				d.Period = p
			}
		}
		return d, nil
	case DeclIDQueryable:
		d := &DeclQueryable{}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		if d.Kind, err = ReadZint(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseDeclaration, err)
		}
		return d, nil
	case DeclIDForgetResource:
		d := &DeclForgetResource{}
		if d.RID, err = ReadZint(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseDeclaration, err)
		}
		return d, nil
	case DeclIDForgetPublisher:
		d := &DeclForgetPublisher{}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		return d, nil
	case DeclIDForgetSubscriber:
		d := &DeclForgetSubscriber{}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		return d, nil
	case DeclIDForgetQueryable:
		d := &DeclForgetQueryable{}
		if d.Key, err = readResKey(z, h); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, zerr.Errorf(zerr.ParseDeclaration,
			"declaration id %#x", Mid(h))
	}
}

func readData(z *iobuf.ZBuf, h byte) (*MsgData, error) {
	m := &MsgData{Droppable: HasFlag(h, FlagZD)}
	var err error
	if m.Key, err = readResKey(z, h); err != nil {
		return nil, err
	}
	if HasFlag(h, FlagZI) {
		if m.Info, err = readDataInfo(z); err != nil {
			return nil, err
		}
	}
	payload, err := ReadBytes(z)
	if err != nil {
		return nil, err
	}
	m.Payload = append([]byte(nil), payload...)
	return m, nil
}

func readDataInfo(z *iobuf.ZBuf) (*DataInfo, error) {
	opts, err := ReadZint(z)
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseDataInfo, err)
	}
	info := &DataInfo{}
	if opts&dataInfoEncoding != 0 {
		enc := &Encoding{}
		if enc.Prefix, err = ReadZint(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseDataInfo, err)
		}
		if enc.Suffix, err = ReadString(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseDataInfo, err)
		}
		info.Encoding = enc
	}
	if opts&dataInfoKind != 0 {
		kind, err := ReadZint(z)
		if err != nil {
			return nil, zerr.Wrap(zerr.ParseDataInfo, err)
		}
		info.Kind = &kind
	}
	if opts&dataInfoTimestamp != 0 {
		ts := &Timestamp{}
		if ts.Time, err = ReadZint(z); err != nil {
			return nil, zerr.Wrap(zerr.ParseTimestamp, err)
		}
		id, err := ReadBytes(z)
		if err != nil {
			return nil, zerr.Wrap(zerr.ParseTimestamp, err)
		}
		ts.ID = append([]byte(nil), id...)
		info.Timestamp = ts
	}
	if opts&dataInfoSourceID != 0 {
		src, err := ReadBytes(z)
		if err != nil {
			return nil, zerr.Wrap(zerr.ParseDataInfo, err)
		}
		info.SourceID = append([]byte(nil), src...)
	}
	if opts&dataInfoSourceSN != 0 {
		sn, err := ReadZint(z)
		if err != nil {
			return nil, zerr.Wrap(zerr.ParseDataInfo, err)
		}
		info.SourceSN = &sn
	}
	return info, nil
}

func readQuery(z *iobuf.ZBuf, h byte) (*MsgQuery, error) {
	m := &MsgQuery{}
	var err error
	if m.Key, err = readResKey(z, h); err != nil {
		return nil, err
	}
	if m.Predicate, err = ReadString(z); err != nil {
		return nil, err
	}
	if m.QID, err = ReadZint(z); err != nil {
		return nil, err
	}
	if HasFlag(h, FlagZT) {
		t := &QueryTarget{}
		if t.Kind, err = ReadZint(z); err != nil {
			return nil, err
		}
		tag, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		t.Tag = TargetTag(tag)
		switch t.Tag {
		case TargetBestMatching, TargetAll:
		case TargetComplete:
			if t.N, err = ReadZint(z); err != nil {
				return nil, err
			}
		default:
			return nil, zerr.Errorf(zerr.MessageDeserializationFailed,
				"query target tag %d", tag)
		}
		m.Target = t
	}
	cons, err := ReadZint(z)
	if err != nil {
		return nil, zerr.Wrap(zerr.ParseConsolidation, err)
	}
	if cons > uint64(ConsolidationLatest) {
		return nil, zerr.Errorf(zerr.ParseConsolidation,
			"consolidation %d", cons)
	}
	m.Consolidation = Consolidation(cons)
	return m, nil
}

func readPull(z *iobuf.ZBuf, h byte) (*MsgPull, error) {
	m := &MsgPull{Final: HasFlag(h, FlagZF)}
	var err error
	if m.Key, err = readResKey(z, h); err != nil {
		return nil, err
	}
	if m.PullID, err = ReadZint(z); err != nil {
		return nil, err
	}
	if HasFlag(h, FlagZN) {
		n, err := ReadZint(z)
		if err != nil {
			return nil, err
		}
		m.MaxSamples = &n
	}
	return m, nil
}

func readReplyContext(z *iobuf.ZBuf, h byte) (*MsgReplyContext, error) {
	m := &MsgReplyContext{Final: HasFlag(h, FlagZF)}
	var err error
	if m.QID, err = ReadZint(z); err != nil {
		return nil, err
	}
	if m.Final {
		return m, nil
	}
	if m.ReplierKind, err = ReadZint(z); err != nil {
		return nil, err
	}
	id, err := ReadBytes(z)
	if err != nil {
		return nil, err
	}
	m.ReplierID = append([]byte(nil), id...)
	return m, nil
}
