package note

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers in the protobuf wire encoding.
const (
	revVersion protowire.Number = 1
	revPred    protowire.Number = 2
	revDeleted protowire.Number = 3
	revField   protowire.Number = 4

	fieldName  protowire.Number = 1
	fieldOp    protowire.Number = 2
	fieldValue protowire.Number = 3

	valString protowire.Number = 1
	valInt    protowire.Number = 2
	valTime   protowire.Number = 3
	valList   protowire.Number = 4

	listElem protowire.Number = 1
)

var tsMarshal = proto.MarshalOptions{Deterministic: true}

// Encode produces the wire form of a revision.
// Equal revisions produce identical bytes.
func Encode(r Revision) ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, revVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, FormatVersion)
	if !r.Pred.IsZero() {
		buf = protowire.AppendTag(buf, revPred, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Pred[:])
	}
	if r.Deleted {
		buf = protowire.AppendTag(buf, revDeleted, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	for i, f := range r.Fields {
		if err := f.validate(); err != nil {
			return nil, errors.Wrapf(err, "field %d", i)
		}
		fb, err := appendField(nil, f)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding field %d", i)
		}
		buf = protowire.AppendTag(buf, revField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, fb)
	}
	return buf, nil
}

func appendField(buf []byte, f Field) ([]byte, error) {
	buf = protowire.AppendTag(buf, fieldName, protowire.BytesType)
	buf = protowire.AppendString(buf, f.Name)
	buf = protowire.AppendTag(buf, fieldOp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Op))
	if f.Op == OpUnset {
		return buf, nil
	}
	vb, err := appendValue(nil, f.Value)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
	return protowire.AppendBytes(buf, vb), nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindString:
		buf = protowire.AppendTag(buf, valString, protowire.BytesType)
		return protowire.AppendString(buf, v.s), nil

	case KindInt:
		buf = protowire.AppendTag(buf, valInt, protowire.VarintType)
		return protowire.AppendVarint(buf, protowire.EncodeZigZag(v.i)), nil

	case KindTime:
		ts := timestamppb.New(v.t)
		if err := ts.CheckValid(); err != nil {
			return nil, errors.Wrap(err, "encoding timestamp")
		}
		tb, err := tsMarshal.Marshal(ts)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling timestamp")
		}
		buf = protowire.AppendTag(buf, valTime, protowire.BytesType)
		return protowire.AppendBytes(buf, tb), nil

	case KindList:
		var lb []byte
		for _, e := range v.l {
			eb, err := appendValue(nil, e)
			if err != nil {
				return nil, err
			}
			lb = protowire.AppendTag(lb, listElem, protowire.BytesType)
			lb = protowire.AppendBytes(lb, eb)
		}
		buf = protowire.AppendTag(buf, valList, protowire.BytesType)
		return protowire.AppendBytes(buf, lb), nil
	}
	return nil, fmt.Errorf("invalid value kind %d", v.kind)
}

// Decode parses the wire form of a revision.
// It rejects unknown format versions, unknown field numbers,
// malformed predecessors, and invalid field operations.
func Decode(b []byte) (Revision, error) {
	var (
		r          Revision
		sawVersion bool
		sawPred    bool
		sawDeleted bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Revision{}, errors.Wrap(protowire.ParseError(n), "reading tag")
		}
		b = b[n:]

		switch {
		case num == revVersion && typ == protowire.VarintType && !sawVersion:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Revision{}, errors.Wrap(protowire.ParseError(n), "reading version")
			}
			if v != FormatVersion {
				return Revision{}, fmt.Errorf("unknown format version %d", v)
			}
			sawVersion = true
			b = b[n:]

		case num == revPred && typ == protowire.BytesType && !sawPred:
			pb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Revision{}, errors.Wrap(protowire.ParseError(n), "reading predecessor")
			}
			if len(pb) != len(r.Pred) {
				return Revision{}, fmt.Errorf("predecessor has length %d, want %d", len(pb), len(r.Pred))
			}
			copy(r.Pred[:], pb)
			if r.Pred.IsZero() {
				return Revision{}, errors.New("explicit zero predecessor")
			}
			sawPred = true
			b = b[n:]

		case num == revDeleted && typ == protowire.VarintType && !sawDeleted:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Revision{}, errors.Wrap(protowire.ParseError(n), "reading deleted flag")
			}
			if v != 1 {
				return Revision{}, fmt.Errorf("invalid deleted flag %d", v)
			}
			r.Deleted = true
			sawDeleted = true
			b = b[n:]

		case num == revField && typ == protowire.BytesType:
			fb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Revision{}, errors.Wrap(protowire.ParseError(n), "reading field")
			}
			f, err := decodeField(fb)
			if err != nil {
				return Revision{}, errors.Wrapf(err, "decoding field %d", len(r.Fields))
			}
			r.Fields = append(r.Fields, f)
			b = b[n:]

		default:
			return Revision{}, fmt.Errorf("unexpected field number %d (wire type %d)", num, typ)
		}
	}
	if !sawVersion {
		return Revision{}, errors.New("missing format version")
	}
	return r, nil
}

func decodeField(b []byte) (Field, error) {
	var (
		f                      Field
		sawName, sawOp, sawVal bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Field{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType && !sawName:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Field{}, protowire.ParseError(n)
			}
			f.Name = s
			sawName = true
			b = b[n:]

		case num == fieldOp && typ == protowire.VarintType && !sawOp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Field{}, protowire.ParseError(n)
			}
			if v > 255 {
				return Field{}, fmt.Errorf("invalid op %d", v)
			}
			f.Op = Op(v)
			sawOp = true
			b = b[n:]

		case num == fieldValue && typ == protowire.BytesType && !sawVal:
			vb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Field{}, protowire.ParseError(n)
			}
			v, err := decodeValue(vb)
			if err != nil {
				return Field{}, err
			}
			f.Value = v
			sawVal = true
			b = b[n:]

		default:
			return Field{}, fmt.Errorf("unexpected field number %d (wire type %d)", num, typ)
		}
	}
	return f, f.validate()
}

func decodeValue(b []byte) (Value, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Value{}, protowire.ParseError(n)
	}
	b = b[n:]

	var v Value
	switch {
	case num == valString && typ == protowire.BytesType:
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		v = String(s)
		b = b[n:]

	case num == valInt && typ == protowire.VarintType:
		u, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		v = Int(protowire.DecodeZigZag(u))
		b = b[n:]

	case num == valTime && typ == protowire.BytesType:
		tb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(tb, &ts); err != nil {
			return Value{}, errors.Wrap(err, "unmarshaling timestamp")
		}
		if err := ts.CheckValid(); err != nil {
			return Value{}, errors.Wrap(err, "invalid timestamp")
		}
		v = Time(ts.AsTime())
		b = b[n:]

	case num == valList && typ == protowire.BytesType:
		lb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Value{}, protowire.ParseError(n)
		}
		elems, err := decodeList(lb)
		if err != nil {
			return Value{}, err
		}
		v = Value{kind: KindList, l: elems}
		b = b[n:]

	default:
		return Value{}, fmt.Errorf("unexpected value field number %d (wire type %d)", num, typ)
	}

	if len(b) > 0 {
		return Value{}, errors.New("trailing bytes after value")
	}
	return v, nil
}

func decodeList(b []byte) ([]Value, error) {
	var elems []Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		if num != listElem || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected list field number %d (wire type %d)", num, typ)
		}
		b = b[n:]
		eb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		e, err := decodeValue(eb)
		if err != nil {
			return nil, errors.Wrapf(err, "list element %d", len(elems))
		}
		elems = append(elems, e)
		b = b[n:]
	}
	return elems, nil
}
