package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage_ValidPairs(t *testing.T) {
	tests := []struct {
		kind JobKind
		desc Description
	}{
		{KindInitialBatch, &BatchDescription{}},
		{KindStubbornBatch, &StubbornDescription{}},
		{KindStubbornResult, &ResultDescription{}},
		{KindResultRequest, &ResultRequestDescription{}},
		{KindDesignUpdate, &DesignUpdateDescription{}},
		{KindTimeoutPolicy, &PolicyDescription{}},
		{KindAck, nil},
		{KindAck, &AckDescription{}},
		{KindAck, &ReplyDescription{}},
		{KindSuccess, &ReplyDescription{}},
		{KindError, &AckDescription{Error: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			msg, err := NewMessage(tt.kind, tt.desc)
			require.NoError(t, err)
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, tt.kind, msg.Kind)
		})
	}
}

func TestNewMessage_Mismatch(t *testing.T) {
	_, err := NewMessage(KindInitialBatch, &StubbornDescription{})
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = NewMessage(KindTimeoutPolicy, nil)
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = NewMessage(KindSuccess, &AckDescription{})
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = NewMessage(JobKind(99), &BatchDescription{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = NewMessage(KindNone, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestAccessors(t *testing.T) {
	batch := MustMessage(KindInitialBatch, &BatchDescription{SendEvery: 20})

	d, err := batch.Batch()
	require.NoError(t, err)
	assert.Equal(t, 20, d.SendEvery)

	_, err = batch.Stubborn()
	assert.ErrorIs(t, err, ErrKindMismatch)
	_, err = batch.Policy()
	assert.ErrorIs(t, err, ErrKindMismatch)

	// Kind rewritten after construction must not slip past the accessor.
	batch.Kind = KindStubbornBatch
	_, err = batch.Stubborn()
	assert.ErrorIs(t, err, ErrKindMismatch)
	assert.ErrorIs(t, batch.Validate(), ErrKindMismatch)
}

func TestAckError(t *testing.T) {
	assert.NoError(t, NewAck().AckError())

	errMsg := NewErrorAck(errors.New("cannot load design"))
	err := errMsg.AckError()
	require.Error(t, err)
	assert.Equal(t, "cannot load design", err.Error())
}

func TestStrategyEquality(t *testing.T) {
	a := Strategy{MazeEndIter: 8, DrcCost: 8, MarkerCost: 16, RipupMode: RipupAll, FollowGuide: true}
	b := a
	assert.True(t, a == b)

	b.FollowGuide = false
	assert.False(t, a == b)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("stubborn_batch")
	assert.True(t, ok)
	assert.Equal(t, KindStubbornBatch, k)

	_, ok = ParseKind("nope")
	assert.False(t, ok)
	assert.Equal(t, "unknown", JobKind(42).String())
}

func TestViaDataTable(t *testing.T) {
	v := &ViaData{Tables: []ViaTable{{Name: "m1", Data: []byte{1}}}}
	data, ok := v.Table("m1")
	assert.True(t, ok)
	assert.Equal(t, []byte{1}, data)

	_, ok = v.Table("m2")
	assert.False(t, ok)

	var nilVia *ViaData
	_, ok = nilVia.Table("m1")
	assert.False(t, ok)
}

func TestReplyAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:1234", ReplyAddress("10.0.0.1", 1234))
	assert.Equal(t, "[::1]:80", ReplyAddress("::1", 80))
}
