package corestate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yahoo/taglog/kv/leveldbkv"
	"github.com/yahoo/taglog/kv/tracekv"
	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

func sampleState() *State {
	return &State{
		LogSystemType: tlog.LogSystemTagPartitioned,
		RecoveryCount: 3,
		TLogSet: TLogSet{
			TLogs: []uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
			Localities: []locality.Data{
				{ZoneID: "z1"}, {ZoneID: "z2"}, {ZoneID: "z3"},
			},
			ReplicationFactor: 2,
			WriteAntiQuorum:   0,
			Policy:            &locality.Across{Count: 2, Key: locality.KeyZoneID, Sub: &locality.One{}},
		},
		OldTLogs: []OldTLogSet{{
			TLogSet: TLogSet{
				TLogs:             []uuid.UUID{uuid.New(), uuid.New()},
				Localities:        []locality.Data{{ZoneID: "z1"}, {ZoneID: "z2"}},
				ReplicationFactor: 2,
				Policy:            &locality.Across{Count: 2, Key: locality.KeyZoneID, Sub: &locality.One{}},
			},
			EndVersion: 500,
		}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleState()
	b, err := Encode(want)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, want.LogSystemType, got.LogSystemType)
	assert.Equal(t, want.RecoveryCount, got.RecoveryCount)
	assert.Equal(t, want.TLogs, got.TLogs)
	assert.Equal(t, want.Localities, got.Localities)
	assert.Equal(t, want.ReplicationFactor, got.ReplicationFactor)
	assert.Equal(t, want.Policy.String(), got.Policy.String())
	require.Len(t, got.OldTLogs, 1)
	assert.Equal(t, want.OldTLogs[0].EndVersion, got.OldTLogs[0].EndVersion)
	assert.Equal(t, want.OldTLogs[0].TLogs, got.OldTLogs[0].TLogs)
}

func TestValidateRejectsEmptyTypeWithTLogs(t *testing.T) {
	s := sampleState()
	s.LogSystemType = tlog.LogSystemEmpty
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tlog.ErrInternal))
}

func TestValidateRejectsMismatchedLocalities(t *testing.T) {
	s := sampleState()
	s.Localities = s.Localities[:1]
	assert.Error(t, s.Validate())
}

func TestStoreReadWrite(t *testing.T) {
	db, err := leveldbkv.Open(t.TempDir())
	require.NoError(t, err)
	store := NewStore(db)

	got, err := store.Read()
	require.NoError(t, err)
	assert.Nil(t, got, "fresh store should have no record")

	want := sampleState()
	require.NoError(t, store.Write(want))

	got, err = store.Read()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.TLogs, got.TLogs)
	assert.Equal(t, want.RecoveryCount, got.RecoveryCount)
}

func TestStoreWritesOneBatchedRecord(t *testing.T) {
	db, err := leveldbkv.Open(t.TempDir())
	require.NoError(t, err)
	var mutations []tracekv.Mutation
	store := NewStore(tracekv.Observe(db, func(ms []tracekv.Mutation) {
		mutations = append(mutations, ms...)
	}))

	require.NoError(t, store.Write(sampleState()))
	require.Len(t, mutations, 1)
	assert.Equal(t, stateKey, mutations[0].Key)
	assert.False(t, mutations[0].Delete)
}
