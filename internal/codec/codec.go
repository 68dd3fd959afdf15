// ============================================================================
// drt-dist Codec - JobMessage binary encoding
// ============================================================================
//
// Package: internal/codec
// File: codec.go
// Purpose: Encode/decode JobMessage and ViaData to a compact byte stream.
//
// Wire Layout (protobuf wire format, written by hand with protowire):
//
//   JobMessage
//   ├── 1  id      (string)
//   ├── 2  kind    (varint)
//   └── 10..17     exactly one payload, field number picks the variant
//                  10 batch        14 design update
//                  11 stubborn     15 policy
//                  12 result       16 reply
//                  13 result req   17 ack
//
// Compatibility:
//   - Field numbers are part of the protocol; never renumber.
//   - Unknown fields are skipped so newer senders can add fields.
//   - A payload that does not belong to the kind is a protocol error.
//
// ============================================================================

package codec

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ErrProtocol marks malformed bytes or a kind/payload mismatch.
var ErrProtocol = errors.New("protocol error")

const (
	fieldID   protowire.Number = 1
	fieldKind protowire.Number = 2

	fieldBatch         protowire.Number = 10
	fieldStubborn      protowire.Number = 11
	fieldResult        protowire.Number = 12
	fieldResultRequest protowire.Number = 13
	fieldDesignUpdate  protowire.Number = 14
	fieldPolicy        protowire.Number = 15
	fieldReply         protowire.Number = 16
	fieldAck           protowire.Number = 17
)

// Marshal encodes a validated message.
func Marshal(msg *types.JobMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	b := appendString(nil, fieldID, msg.ID)
	b = appendSint(b, fieldKind, int64(msg.Kind))

	switch d := msg.Desc.(type) {
	case nil:
	case *types.BatchDescription:
		b = appendMessage(b, fieldBatch, encodeBatch(d))
	case *types.StubbornDescription:
		b = appendMessage(b, fieldStubborn, encodeStubborn(d))
	case *types.ResultDescription:
		b = appendMessage(b, fieldResult, encodeWorkerResult(d.Result))
	case *types.ResultRequestDescription:
		b = appendMessage(b, fieldResultRequest, encodeResultRequest(d))
	case *types.DesignUpdateDescription:
		b = appendMessage(b, fieldDesignUpdate, encodeDesignUpdate(d))
	case *types.PolicyDescription:
		b = appendMessage(b, fieldPolicy, encodePolicy(d))
	case *types.ReplyDescription:
		b = appendMessage(b, fieldReply, encodeReply(d))
	case *types.AckDescription:
		b = appendMessage(b, fieldAck, appendString(nil, 1, d.Error))
	default:
		return nil, fmt.Errorf("%w: unsupported description %T", ErrProtocol, d)
	}
	return b, nil
}

// Unmarshal decodes bytes into a message and validates the kind/payload pair.
func Unmarshal(data []byte) (*types.JobMessage, error) {
	msg := &types.JobMessage{}
	payloads := 0

	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldID:
			return consumeString(num, typ, b, &msg.ID)
		case fieldKind:
			var k int
			n, err := consumeInt(num, typ, b, &k)
			msg.Kind = types.JobKind(k)
			return n, err
		case fieldBatch, fieldStubborn, fieldResult, fieldResultRequest,
			fieldDesignUpdate, fieldPolicy, fieldReply, fieldAck:
			raw, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			payloads++
			desc, err := decodeDescription(num, raw)
			if err != nil {
				return 0, err
			}
			msg.Desc = desc
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if payloads > 1 {
		return nil, fmt.Errorf("%w: %d payloads in one message", ErrProtocol, payloads)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return msg, nil
}

func decodeDescription(num protowire.Number, raw []byte) (types.Description, error) {
	switch num {
	case fieldBatch:
		return decodeBatch(raw)
	case fieldStubborn:
		return decodeStubborn(raw)
	case fieldResult:
		r, err := decodeWorkerResult(raw)
		if err != nil {
			return nil, err
		}
		return &types.ResultDescription{Result: r}, nil
	case fieldResultRequest:
		return decodeResultRequest(raw)
	case fieldDesignUpdate:
		return decodeDesignUpdate(raw)
	case fieldPolicy:
		return decodePolicy(raw)
	case fieldReply:
		return decodeReply(raw)
	case fieldAck:
		d := &types.AckDescription{}
		err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 {
				return consumeString(num, typ, b, &d.Error)
			}
			return 0, nil
		})
		return d, err
	}
	return nil, fmt.Errorf("%w: unknown payload field %d", ErrProtocol, num)
}

// ---------------------------------------------------------------------------
// Shared value types
// ---------------------------------------------------------------------------

func encodeStrategy(s types.Strategy) []byte {
	b := appendSint(nil, 1, int64(s.MazeEndIter))
	b = appendSint(b, 2, int64(s.DrcCost))
	b = appendSint(b, 3, int64(s.MarkerCost))
	b = appendSint(b, 4, int64(s.RipupMode))
	return appendBool(b, 5, s.FollowGuide)
}

func decodeStrategy(raw []byte) (types.Strategy, error) {
	var s types.Strategy
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &s.MazeEndIter)
		case 2:
			return consumeInt(num, typ, b, &s.DrcCost)
		case 3:
			return consumeInt(num, typ, b, &s.MarkerCost)
		case 4:
			var m int
			n, err := consumeInt(num, typ, b, &m)
			s.RipupMode = types.RipupMode(m)
			return n, err
		case 5:
			return consumeBool(num, typ, b, &s.FollowGuide)
		}
		return 0, nil
	})
	return s, err
}

func encodeWorkerResult(r types.WorkerResult) []byte {
	b := appendSint(nil, 1, int64(r.ID))
	b = appendSint(b, 2, int64(r.NumOfViolations))
	b = appendSint(b, 3, int64(r.RunTime))
	b = appendSint(b, 4, r.HeapOps)
	b = appendMessage(b, 5, encodeStrategy(r.Strategy))
	return appendBytes(b, 6, r.Blob)
}

func decodeWorkerResult(raw []byte) (types.WorkerResult, error) {
	var r types.WorkerResult
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &r.ID)
		case 2:
			return consumeInt(num, typ, b, &r.NumOfViolations)
		case 3:
			var ns int64
			n, err := consumeInt64(num, typ, b, &ns)
			r.RunTime = time.Duration(ns)
			return n, err
		case 4:
			return consumeInt64(num, typ, b, &r.HeapOps)
		case 5:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			r.Strategy, err = decodeStrategy(sub)
			return n, err
		case 6:
			return consumeBytes(num, typ, b, &r.Blob)
		}
		return 0, nil
	})
	return r, err
}

// encodeIDBlob covers both WorkUnit and TileResult, which share a layout.
func encodeIDBlob(id int, blob []byte) []byte {
	b := appendSint(nil, 1, int64(id))
	return appendBytes(b, 2, blob)
}

func decodeIDBlob(raw []byte) (int, []byte, error) {
	var (
		id   int
		blob []byte
	)
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &id)
		case 2:
			return consumeBytes(num, typ, b, &blob)
		}
		return 0, nil
	})
	return id, blob, err
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

func encodeBatch(d *types.BatchDescription) []byte {
	var b []byte
	for _, u := range d.Units {
		b = appendMessage(b, 1, encodeIDBlob(u.WorkerID, u.Blob))
	}
	b = appendString(b, 2, d.ReplyHost)
	b = appendSint(b, 3, int64(d.ReplyPort))
	b = appendSint(b, 4, int64(d.SendEvery))
	return appendSint(b, 5, int64(d.Iteration))
}

func decodeBatch(raw []byte) (*types.BatchDescription, error) {
	d := &types.BatchDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			id, blob, err := decodeIDBlob(sub)
			if err != nil {
				return 0, err
			}
			d.Units = append(d.Units, types.WorkUnit{WorkerID: id, Blob: blob})
			return n, nil
		case 2:
			return consumeString(num, typ, b, &d.ReplyHost)
		case 3:
			return consumeInt(num, typ, b, &d.ReplyPort)
		case 4:
			return consumeInt(num, typ, b, &d.SendEvery)
		case 5:
			return consumeInt(num, typ, b, &d.Iteration)
		}
		return 0, nil
	})
	return d, err
}

func encodeStubborn(d *types.StubbornDescription) []byte {
	b := appendSint(nil, 1, int64(d.WorkerID))
	b = appendBytes(b, 2, d.Worker)
	for _, s := range d.Strategies {
		b = appendMessage(b, 3, encodeStrategy(s))
	}
	b = appendString(b, 4, d.ReplyHost)
	b = appendSint(b, 5, int64(d.ReplyPort))
	return appendSint(b, 6, int64(d.Iteration))
}

func decodeStubborn(raw []byte) (*types.StubbornDescription, error) {
	d := &types.StubbornDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &d.WorkerID)
		case 2:
			return consumeBytes(num, typ, b, &d.Worker)
		case 3:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			s, err := decodeStrategy(sub)
			if err != nil {
				return 0, err
			}
			d.Strategies = append(d.Strategies, s)
			return n, nil
		case 4:
			return consumeString(num, typ, b, &d.ReplyHost)
		case 5:
			return consumeInt(num, typ, b, &d.ReplyPort)
		case 6:
			return consumeInt(num, typ, b, &d.Iteration)
		}
		return 0, nil
	})
	return d, err
}

func encodeResultRequest(d *types.ResultRequestDescription) []byte {
	b := appendSint(nil, 1, int64(d.WorkerID))
	b = appendMessage(b, 2, encodeStrategy(d.Strategy))
	b = appendString(b, 3, d.ReplyHost)
	return appendSint(b, 4, int64(d.ReplyPort))
}

func decodeResultRequest(raw []byte) (*types.ResultRequestDescription, error) {
	d := &types.ResultRequestDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &d.WorkerID)
		case 2:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			d.Strategy, err = decodeStrategy(sub)
			return n, err
		case 3:
			return consumeString(num, typ, b, &d.ReplyHost)
		case 4:
			return consumeInt(num, typ, b, &d.ReplyPort)
		}
		return 0, nil
	})
	return d, err
}

func encodeDesignUpdate(d *types.DesignUpdateDescription) []byte {
	b := appendString(nil, 1, d.GlobalsPath)
	b = appendString(b, 2, d.SharedDir)
	b = appendString(b, 3, d.DesignPath)
	for _, u := range d.Updates {
		b = appendRepeatedBytes(b, 4, u)
	}
	b = appendBytes(b, 5, d.ViaData)
	return appendString(b, 6, d.ViaDataPath)
}

func decodeDesignUpdate(raw []byte) (*types.DesignUpdateDescription, error) {
	d := &types.DesignUpdateDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(num, typ, b, &d.GlobalsPath)
		case 2:
			return consumeString(num, typ, b, &d.SharedDir)
		case 3:
			return consumeString(num, typ, b, &d.DesignPath)
		case 4:
			var u []byte
			n, err := consumeBytes(num, typ, b, &u)
			if err != nil {
				return 0, err
			}
			if len(u) == 0 {
				u = nil
			}
			d.Updates = append(d.Updates, u)
			return n, nil
		case 5:
			return consumeBytes(num, typ, b, &d.ViaData)
		case 6:
			return consumeString(num, typ, b, &d.ViaDataPath)
		}
		return 0, nil
	})
	return d, err
}

func encodePolicy(d *types.PolicyDescription) []byte {
	b := appendSint(nil, 1, d.MaxOps)
	return appendSint(b, 2, int64(d.BannedID))
}

func decodePolicy(raw []byte) (*types.PolicyDescription, error) {
	d := &types.PolicyDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(num, typ, b, &d.MaxOps)
		case 2:
			return consumeInt(num, typ, b, &d.BannedID)
		}
		return 0, nil
	})
	return d, err
}

func encodeReply(d *types.ReplyDescription) []byte {
	var b []byte
	for _, r := range d.Results {
		b = appendMessage(b, 1, encodeIDBlob(r.WorkerID, r.Blob))
	}
	return appendSint(b, 2, int64(d.Completed))
}

func decodeReply(raw []byte) (*types.ReplyDescription, error) {
	d := &types.ReplyDescription{}
	err := decodeFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			id, blob, err := decodeIDBlob(sub)
			if err != nil {
				return 0, err
			}
			d.Results = append(d.Results, types.TileResult{WorkerID: id, Blob: blob})
			return n, nil
		case 2:
			return consumeInt(num, typ, b, &d.Completed)
		}
		return 0, nil
	})
	return d, err
}

// ---------------------------------------------------------------------------
// Via-data
// ---------------------------------------------------------------------------

// MarshalViaData encodes via-data for the wire and for snapshot files.
func MarshalViaData(v *types.ViaData) []byte {
	if v == nil {
		return nil
	}
	b := appendSint(nil, 1, int64(v.Version))
	for _, t := range v.Tables {
		sub := appendString(nil, 1, t.Name)
		sub = appendBytes(sub, 2, t.Data)
		b = appendMessage(b, 2, sub)
	}
	return b
}

// UnmarshalViaData decodes via-data produced by MarshalViaData.
func UnmarshalViaData(data []byte) (*types.ViaData, error) {
	v := &types.ViaData{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(num, typ, b, &v.Version)
		case 2:
			sub, n, err := consumeRaw(num, typ, b)
			if err != nil {
				return 0, err
			}
			var t types.ViaTable
			err = decodeFields(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(num, typ, b, &t.Name)
				case 2:
					return consumeBytes(num, typ, b, &t.Data)
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			v.Tables = append(v.Tables, t)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
