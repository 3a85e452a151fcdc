package persistence

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// Blob layout: magic, version byte, zstd frame holding a protobuf-wire
// Checkpoint message. Signed integers use zigzag varints.

// Checkpoint message fields.
const (
	fRunID       protowire.Number = 1
	fProtocol    protowire.Number = 2
	fSeed        protowire.Number = 3
	fIteration   protowire.Number = 4
	fStatus      protowire.Number = 5
	fFingerprint protowire.Number = 6
	fUser        protowire.Number = 7
	fHistory     protowire.Number = 8
	fCreatedAt   protowire.Number = 9
	fNumUsers    protowire.Number = 10
	fNumPieces   protowire.Number = 11
	fProtocolFP  protowire.Number = 12
)

// User message fields.
const (
	fUserIndex   protowire.Number = 1
	fUserApplied protowire.Number = 2
	fUserRecent  protowire.Number = 3 // packed (user, at) pairs
	fUserRecord  protowire.Number = 4
)

// Record message fields.
const (
	fRecPiece        protowire.Number = 1
	fRecFlags        protowire.Number = 2
	fRecReceived     protowire.Number = 3
	fRecFirst        protowire.Number = 4
	fRecSeen         protowire.Number = 5
	fRecPropagated   protowire.Number = 6
	fRecExpired      protowire.Number = 7
	fRecDeliveries   protowire.Number = 8
	fRecPropagations protowire.Number = 9
	fRecSenders      protowire.Number = 10 // packed
)

// Iteration message fields. Action lists are packed (user, piece) pairs,
// transfers packed (from, to, piece) triples.
const (
	fItNumber       protowire.Number = 1
	fItPropagated   protowire.Number = 2
	fItRepropagated protowire.Number = 3
	fItTransfers    protowire.Number = 4
	fItSeen         protowire.Number = 5
	fItIgnored      protowire.Number = 6
	fItReReceived   protowire.Number = 7
	fItExpired      protowire.Number = 8
	fItActive       protowire.Number = 9
	fItPending      protowire.Number = 10
	fItScheduled    protowire.Number = 11
)

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(1<<30))
	})
)

// Encode serializes a checkpoint into its binary blob.
func Encode(cp *Checkpoint) ([]byte, error) {
	if cp.Version != 0 && cp.Version != FormatVersion {
		return nil, fmt.Errorf("cannot encode checkpoint version %d", cp.Version)
	}
	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	payload := marshalCheckpoint(cp)
	out := make([]byte, 0, len(magic)+1+len(payload)/2)
	out = append(out, magic...)
	out = append(out, FormatVersion)
	return enc.EncodeAll(payload, out), nil
}

// Decode parses and validates a checkpoint blob. Any structural problem is
// reported as a *models.StateCorruptionError.
func Decode(blob []byte) (*Checkpoint, error) {
	if len(blob) < len(magic)+1 || !bytes.Equal(blob[:len(magic)], magic) {
		return nil, models.Corruptf("not a checkpoint: bad magic")
	}
	version := blob[len(magic)]
	if version != FormatVersion {
		return nil, models.Corruptf("unsupported checkpoint version %d", version)
	}
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	payload, err := dec.DecodeAll(blob[len(magic)+1:], nil)
	if err != nil {
		return nil, &models.StateCorruptionError{Reason: "decompress checkpoint", Err: err}
	}
	cp, err := unmarshalCheckpoint(payload)
	if err != nil {
		return nil, &models.StateCorruptionError{Reason: "decode checkpoint", Err: err}
	}
	cp.Version = version
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return cp, nil
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPacked(b []byte, num protowire.Number, vals []int32) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
	}
	return appendBytes(b, num, packed)
}

func marshalCheckpoint(cp *Checkpoint) []byte {
	var b []byte
	b = appendBytes(b, fRunID, []byte(cp.RunID))
	b = appendBytes(b, fProtocol, []byte(cp.Protocol))
	b = protowire.AppendTag(b, fProtocolFP, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, cp.ProtocolFP)
	b = appendInt(b, fSeed, cp.Seed)
	b = appendInt(b, fIteration, int64(cp.Iteration))
	b = appendBytes(b, fStatus, []byte(cp.Status))
	b = protowire.AppendTag(b, fFingerprint, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, cp.Fingerprint)
	if !cp.CreatedAt.IsZero() {
		b = appendInt(b, fCreatedAt, cp.CreatedAt.UnixNano())
	}
	b = appendInt(b, fNumUsers, int64(cp.NumUsers))
	b = appendInt(b, fNumPieces, int64(cp.NumPieces))
	for _, u := range cp.Users {
		b = appendBytes(b, fUser, marshalUser(u))
	}
	for i := range cp.History {
		b = appendBytes(b, fHistory, marshalIteration(&cp.History[i]))
	}
	return b
}

func marshalUser(u *state.User) []byte {
	var b []byte
	b = appendInt(b, fUserIndex, int64(u.Index))
	b = appendInt(b, fUserApplied, int64(u.Applied))
	recent := make([]int32, 0, 2*len(u.Recent))
	for _, c := range u.Recent {
		recent = append(recent, c.User, c.At)
	}
	b = appendPacked(b, fUserRecent, recent)
	for i := range u.Records {
		b = appendBytes(b, fUserRecord, marshalRecord(&u.Records[i]))
	}
	return b
}

func marshalRecord(r *state.Record) []byte {
	var b []byte
	b = appendInt(b, fRecPiece, int64(r.Piece))
	b = appendInt(b, fRecFlags, int64(r.Flags))
	b = appendInt(b, fRecReceived, int64(r.ReceivedAt))
	b = appendInt(b, fRecFirst, int64(r.FirstReceivedAt))
	b = appendInt(b, fRecSeen, int64(r.SeenAt))
	b = appendInt(b, fRecPropagated, int64(r.PropagatedAt))
	b = appendInt(b, fRecExpired, int64(r.ExpiredAt))
	b = appendInt(b, fRecDeliveries, int64(r.Deliveries))
	b = appendInt(b, fRecPropagations, int64(r.Propagations))
	return appendPacked(b, fRecSenders, r.Senders)
}

func flattenActions(actions []history.Action) []int32 {
	out := make([]int32, 0, 2*len(actions))
	for _, a := range actions {
		out = append(out, a.User, a.Piece)
	}
	return out
}

func marshalIteration(it *history.Iteration) []byte {
	var b []byte
	b = appendInt(b, fItNumber, int64(it.Number))
	b = appendPacked(b, fItPropagated, flattenActions(it.Propagated))
	b = appendPacked(b, fItRepropagated, flattenActions(it.Repropagated))
	transfers := make([]int32, 0, 3*len(it.Transfers))
	for _, t := range it.Transfers {
		transfers = append(transfers, t.From, t.To, t.Piece)
	}
	b = appendPacked(b, fItTransfers, transfers)
	b = appendPacked(b, fItSeen, flattenActions(it.Seen))
	b = appendPacked(b, fItIgnored, flattenActions(it.Ignored))
	b = appendPacked(b, fItReReceived, flattenActions(it.ReReceived))
	b = appendPacked(b, fItExpired, flattenActions(it.Expired))
	b = appendInt(b, fItActive, it.Active)
	b = appendInt(b, fItPending, it.Pending)
	return appendInt(b, fItScheduled, it.Scheduled)
}

// wireReader walks the fields of one message.
type wireReader struct {
	b   []byte
	err error
}

func (r *wireReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *wireReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *wireReader) expect(num protowire.Number, got, want protowire.Type) bool {
	if got != want {
		r.fail(fmt.Errorf("field %d: wire type %d, want %d", num, got, want))
		return false
	}
	return true
}

func (r *wireReader) sint64(num protowire.Number, typ protowire.Type) int64 {
	if !r.expect(num, typ, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return protowire.DecodeZigZag(v)
}

func (r *wireReader) sint32(num protowire.Number, typ protowire.Type) int32 {
	v := r.sint64(num, typ)
	if v != int64(int32(v)) {
		r.fail(fmt.Errorf("field %d: value %d overflows int32", num, v))
		return 0
	}
	return int32(v)
}

func (r *wireReader) bytes(num protowire.Number, typ protowire.Type) []byte {
	if !r.expect(num, typ, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *wireReader) fixed64(num protowire.Number, typ protowire.Type) uint64 {
	if !r.expect(num, typ, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return v
}

// packed decodes a packed list whose length must be a multiple of stride.
func (r *wireReader) packed(num protowire.Number, typ protowire.Type, stride int) []int32 {
	raw := r.bytes(num, typ)
	var out []int32
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			r.fail(protowire.ParseError(n))
			return nil
		}
		raw = raw[n:]
		d := protowire.DecodeZigZag(v)
		if d != int64(int32(d)) {
			r.fail(fmt.Errorf("field %d: value %d overflows int32", num, d))
			return nil
		}
		out = append(out, int32(d))
	}
	if len(out)%stride != 0 {
		r.fail(fmt.Errorf("field %d: %d values, want a multiple of %d", num, len(out), stride))
		return nil
	}
	return out
}

// skip drops a field this version does not know about.
func (r *wireReader) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	r := &wireReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fRunID:
			cp.RunID = string(r.bytes(num, typ))
		case fProtocol:
			cp.Protocol = string(r.bytes(num, typ))
		case fSeed:
			cp.Seed = r.sint64(num, typ)
		case fIteration:
			cp.Iteration = r.sint32(num, typ)
		case fStatus:
			st, err := models.ParseRunStatus(string(r.bytes(num, typ)))
			if err != nil {
				r.fail(err)
				break
			}
			cp.Status = st
		case fFingerprint:
			cp.Fingerprint = r.fixed64(num, typ)
		case fProtocolFP:
			cp.ProtocolFP = r.fixed64(num, typ)
		case fCreatedAt:
			cp.CreatedAt = time.Unix(0, r.sint64(num, typ)).UTC()
		case fNumUsers:
			cp.NumUsers = r.sint32(num, typ)
		case fNumPieces:
			cp.NumPieces = r.sint32(num, typ)
		case fUser:
			u, err := unmarshalUser(r.bytes(num, typ))
			if err != nil {
				r.fail(fmt.Errorf("user %d: %w", len(cp.Users), err))
				break
			}
			cp.Users = append(cp.Users, u)
		case fHistory:
			it, err := unmarshalIteration(r.bytes(num, typ))
			if err != nil {
				r.fail(fmt.Errorf("iteration %d: %w", len(cp.History), err))
				break
			}
			cp.History = append(cp.History, it)
		default:
			r.skip(num, typ)
		}
	}
	return cp, r.err
}

func unmarshalUser(b []byte) (*state.User, error) {
	u := state.NewUser(0)
	r := &wireReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fUserIndex:
			u.Index = r.sint32(num, typ)
		case fUserApplied:
			u.Applied = r.sint32(num, typ)
		case fUserRecent:
			pairs := r.packed(num, typ, 2)
			for i := 0; i+1 < len(pairs); i += 2 {
				u.Recent = append(u.Recent, state.Contact{User: pairs[i], At: pairs[i+1]})
			}
		case fUserRecord:
			rec, err := unmarshalRecord(r.bytes(num, typ))
			if err != nil {
				r.fail(err)
				break
			}
			u.Records = append(u.Records, rec)
		default:
			r.skip(num, typ)
		}
	}
	return u, r.err
}

func unmarshalRecord(b []byte) (state.Record, error) {
	rec := state.Record{
		ReceivedAt:      state.Never,
		FirstReceivedAt: state.Never,
		SeenAt:          state.Never,
		PropagatedAt:    state.Never,
		ExpiredAt:       state.Never,
	}
	r := &wireReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fRecPiece:
			rec.Piece = r.sint32(num, typ)
		case fRecFlags:
			f := r.sint64(num, typ)
			if f < 0 || f > 0xffff {
				r.fail(fmt.Errorf("flags %#x out of range", f))
				break
			}
			rec.Flags = state.Flag(f)
		case fRecReceived:
			rec.ReceivedAt = r.sint32(num, typ)
		case fRecFirst:
			rec.FirstReceivedAt = r.sint32(num, typ)
		case fRecSeen:
			rec.SeenAt = r.sint32(num, typ)
		case fRecPropagated:
			rec.PropagatedAt = r.sint32(num, typ)
		case fRecExpired:
			rec.ExpiredAt = r.sint32(num, typ)
		case fRecDeliveries:
			rec.Deliveries = r.sint32(num, typ)
		case fRecPropagations:
			rec.Propagations = r.sint32(num, typ)
		case fRecSenders:
			rec.Senders = r.packed(num, typ, 1)
		default:
			r.skip(num, typ)
		}
	}
	return rec, r.err
}

func unflattenActions(vals []int32) []history.Action {
	if len(vals) == 0 {
		return nil
	}
	out := make([]history.Action, 0, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		out = append(out, history.Action{User: vals[i], Piece: vals[i+1]})
	}
	return out
}

func unmarshalIteration(b []byte) (history.Iteration, error) {
	var it history.Iteration
	r := &wireReader{b: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch num {
		case fItNumber:
			it.Number = r.sint32(num, typ)
		case fItPropagated:
			it.Propagated = unflattenActions(r.packed(num, typ, 2))
		case fItRepropagated:
			it.Repropagated = unflattenActions(r.packed(num, typ, 2))
		case fItTransfers:
			vals := r.packed(num, typ, 3)
			for i := 0; i+2 < len(vals); i += 3 {
				it.Transfers = append(it.Transfers, history.Transfer{From: vals[i], To: vals[i+1], Piece: vals[i+2]})
			}
		case fItSeen:
			it.Seen = unflattenActions(r.packed(num, typ, 2))
		case fItIgnored:
			it.Ignored = unflattenActions(r.packed(num, typ, 2))
		case fItReReceived:
			it.ReReceived = unflattenActions(r.packed(num, typ, 2))
		case fItExpired:
			it.Expired = unflattenActions(r.packed(num, typ, 2))
		case fItActive:
			it.Active = r.sint64(num, typ)
		case fItPending:
			it.Pending = r.sint64(num, typ)
		case fItScheduled:
			it.Scheduled = r.sint64(num, typ)
		default:
			r.skip(num, typ)
		}
	}
	return it, r.err
}
