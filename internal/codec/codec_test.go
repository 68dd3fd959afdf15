package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

func roundTrip(t *testing.T, msg *types.JobMessage) *types.JobMessage {
	t.Helper()
	data, err := Marshal(msg)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	return got
}

func TestRoundTrip_AllVariants(t *testing.T) {
	strategy := types.Strategy{MazeEndIter: 64, DrcCost: 8, MarkerCost: 32, RipupMode: types.RipupNearDRC, FollowGuide: true}

	tests := []struct {
		name string
		kind types.JobKind
		desc types.Description
	}{
		{"batch", types.KindInitialBatch, &types.BatchDescription{
			Units:     []types.WorkUnit{{WorkerID: 0, Blob: []byte("tile-0")}, {WorkerID: 7, Blob: []byte{0, 1, 2}}},
			ReplyHost: "10.1.2.3",
			ReplyPort: 5555,
			SendEvery: 20,
			Iteration: 3,
		}},
		{"stubborn", types.KindStubbornBatch, &types.StubbornDescription{
			WorkerID:   42,
			Worker:     []byte("worker-blob"),
			Strategies: []types.Strategy{strategy, {MazeEndIter: -1}},
			ReplyHost:  "controller",
			ReplyPort:  1234,
			Iteration:  9,
		}},
		{"result", types.KindStubbornResult, &types.ResultDescription{Result: types.WorkerResult{
			ID:              42,
			NumOfViolations: types.ViolationsAborted,
			RunTime:         1500 * time.Millisecond,
			HeapOps:         1 << 40,
			Strategy:        strategy,
			Blob:            []byte("routed"),
		}}},
		{"result request", types.KindResultRequest, &types.ResultRequestDescription{
			WorkerID: 3, Strategy: strategy, ReplyHost: "h", ReplyPort: 1,
		}},
		{"design update", types.KindDesignUpdate, &types.DesignUpdateDescription{
			GlobalsPath: "/shared/globals.bin",
			SharedDir:   "/shared",
			DesignPath:  "/shared/design.odb",
			Updates:     [][]byte{[]byte("u1"), nil, []byte("u3")},
			ViaData:     []byte{9, 9},
			ViaDataPath: "/shared/via.bin",
		}},
		{"policy unchanged", types.KindTimeoutPolicy, &types.PolicyDescription{MaxOps: types.MaxOpsUnchanged, BannedID: 7}},
		{"policy unlimited", types.KindTimeoutPolicy, &types.PolicyDescription{MaxOps: types.MaxOpsUnlimited, BannedID: types.NoBan}},
		{"policy ban zero", types.KindTimeoutPolicy, &types.PolicyDescription{MaxOps: 100, BannedID: 0}},
		{"reply", types.KindSuccess, &types.ReplyDescription{
			Results:   []types.TileResult{{WorkerID: 1, Blob: []byte("r1")}},
			Completed: 10,
		}},
		{"ack empty", types.KindAck, nil},
		{"ack reply", types.KindAck, &types.ReplyDescription{Completed: 1}},
		{"error", types.KindError, &types.AckDescription{Error: "design not found"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := types.MustMessage(tt.kind, tt.desc)
			got := roundTrip(t, msg)
			assert.Equal(t, msg, got)
		})
	}
}

func TestRoundTrip_EmptyVersusNilBytes(t *testing.T) {
	msg := types.MustMessage(types.KindStubbornResult, &types.ResultDescription{Result: types.WorkerResult{ID: 1, Blob: []byte{}}})
	got := roundTrip(t, msg)
	d, err := got.Result()
	require.NoError(t, err)
	assert.NotNil(t, d.Result.Blob)
	assert.Empty(t, d.Result.Blob)

	msg = types.MustMessage(types.KindStubbornBatch, &types.StubbornDescription{WorkerID: 2, Worker: nil, ReplyPort: 1})
	got = roundTrip(t, msg)
	assert.Equal(t, msg, got)

	via := &types.ViaData{Version: 1, Tables: []types.ViaTable{{Name: "V1", Data: []byte{}}, {Name: "V2"}}}
	back, err := UnmarshalViaData(MarshalViaData(via))
	require.NoError(t, err)
	assert.Equal(t, via, back)
}

func TestUnmarshal_KindPayloadMismatch(t *testing.T) {
	// Hand-build a message whose kind says "policy" but carries a batch.
	b := appendString(nil, fieldID, "x")
	b = appendSint(b, fieldKind, int64(types.KindTimeoutPolicy))
	b = appendMessage(b, fieldBatch, encodeBatch(&types.BatchDescription{SendEvery: 10}))

	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmarshal_TwoPayloads(t *testing.T) {
	b := appendSint(nil, fieldKind, int64(types.KindTimeoutPolicy))
	b = appendMessage(b, fieldPolicy, encodePolicy(&types.PolicyDescription{MaxOps: 1}))
	b = appendMessage(b, fieldPolicy, encodePolicy(&types.PolicyDescription{MaxOps: 2}))

	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmarshal_UnknownKind(t *testing.T) {
	b := appendSint(nil, fieldKind, 77)
	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmarshal_Truncated(t *testing.T) {
	msg := types.MustMessage(types.KindStubbornBatch, &types.StubbornDescription{Worker: []byte("abcdef")})
	data, err := Marshal(msg)
	require.NoError(t, err)

	_, err = Unmarshal(data[:len(data)-2])
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmarshal_WrongWireType(t *testing.T) {
	b := protowire.AppendTag(nil, fieldKind, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("x"))
	_, err := Unmarshal(b)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	msg := types.MustMessage(types.KindTimeoutPolicy, &types.PolicyDescription{MaxOps: 5, BannedID: 2})
	data, err := Marshal(msg)
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 123)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	_, err := Marshal(&types.JobMessage{Kind: types.KindInitialBatch, Desc: &types.PolicyDescription{}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestViaDataRoundTrip(t *testing.T) {
	v := &types.ViaData{
		Version: 2,
		Tables: []types.ViaTable{
			{Name: "metal1", Data: []byte{1, 2, 3}},
			{Name: "metal2", Data: []byte{4}},
		},
	}
	got, err := UnmarshalViaData(MarshalViaData(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	assert.Nil(t, MarshalViaData(nil))
}

func TestGRPCCodec(t *testing.T) {
	c := GRPCCodec{}
	assert.Equal(t, Name, c.Name())

	msg := types.MustMessage(types.KindTimeoutPolicy, &types.PolicyDescription{MaxOps: 100, BannedID: types.NoBan})
	data, err := c.Marshal(msg)
	require.NoError(t, err)

	var got types.JobMessage
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, *msg, got)

	_, err = c.Marshal("not a message")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, c.Unmarshal(data, new(int)), ErrProtocol)
}
