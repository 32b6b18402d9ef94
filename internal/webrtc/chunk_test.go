package webrtc

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	mrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAndAssembleOutOfOrder(t *testing.T) {
	message := make([]byte, 10_000)
	_, err := rand.Read(message)
	require.NoError(t, err)

	packages := Split(message, 333)
	require.Len(t, packages, 1+31)
	require.NotNil(t, packages[0].MetaData)
	assert.Equal(t, 31, packages[0].MetaData.ChunkCount)

	mrand.Shuffle(len(packages), func(i, j int) { packages[i], packages[j] = packages[j], packages[i] })

	a := NewAssembler()
	var got []byte
	for i, p := range packages {
		// Send everything through the wire encoding.
		data, err := json.Marshal(p)
		require.NoError(t, err)
		var decoded Package
		require.NoError(t, json.Unmarshal(data, &decoded))

		msg, complete, err := a.Add(decoded)
		require.NoError(t, err)
		if complete {
			require.Equal(t, len(packages)-1, i, "completed early")
			got = msg
		}
	}
	assert.Equal(t, message, got)
	assert.Zero(t, a.Pending())
}

func TestSplitEmptyMessage(t *testing.T) {
	packages := Split(nil, DefaultChunkSize)
	require.Len(t, packages, 1)

	msg, complete, err := NewAssembler().Add(packages[0])
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Empty(t, msg)
}

func TestPackageWireFormat(t *testing.T) {
	packages := Split([]byte("hello"), DefaultChunkSize)

	meta, err := json.Marshal(packages[0])
	require.NoError(t, err)
	var metaFields map[string]any
	require.NoError(t, json.Unmarshal(meta, &metaFields))
	assert.Equal(t, "metaData", metaFields["packageType"])
	assert.Equal(t, float64(1), metaFields["chunkCount"])
	assert.Equal(t, float64(5), metaFields["messageByteCount"])
	assert.Equal(t, HashMessage([]byte("hello")), metaFields["hashOfMessage"])

	chunk, err := json.Marshal(packages[1])
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"packageType":"chunk","messageId":"`+packages[1].Chunk.MessageID+`","chunkIndex":0,"chunkData":"aGVsbG8="}`,
		string(chunk))

	confirmation, err := json.Marshal(Package{Type: PackageConfirmation, Confirmation: &Confirmation{MessageID: "m"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"packageType":"receiveMessageConfirmation","messageId":"m"}`, string(confirmation))
}

func TestAssemblerRejectsCorruptMessages(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Package)
		want   error
	}{
		{
			name:   "hash mismatch",
			mutate: func(p []Package) { p[1].Chunk.ChunkData = []byte("jello") },
			want:   ErrHashMismatch,
		},
		{
			name:   "byte count mismatch",
			mutate: func(p []Package) { p[0].MetaData.MessageByteCount = 4 },
			want:   ErrByteCountMismatch,
		},
		{
			name:   "duplicate index",
			mutate: func(p []Package) { p[2].Chunk.ChunkIndex = 0 },
			want:   ErrIncorrectIndices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packages := Split([]byte("hello world"), 6)
			require.Len(t, packages, 3)
			tt.mutate(packages)

			a := NewAssembler()
			var err error
			for _, p := range packages {
				if _, _, err = a.Add(p); err != nil {
					break
				}
			}

			var assemblyErr *AssemblyError
			require.ErrorAs(t, err, &assemblyErr)
			assert.Equal(t, packages[0].MetaData.MessageID, assemblyErr.MessageID)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAssemblerRejectsHostileMetaData(t *testing.T) {
	tests := []struct {
		name  string
		count int
		bytes int
	}{
		{name: "negative byte count", count: 0, bytes: -1},
		{name: "negative chunk count", count: -1, bytes: 10},
		{name: "oversized message", count: 2, bytes: MaxMessageByteCount + 1},
		{name: "too many chunks", count: MaxChunkCount + 1, bytes: MaxMessageByteCount},
		{name: "more chunks than bytes", count: 5, bytes: 2},
		{name: "bytes without chunks", count: 0, bytes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := fmt.Sprintf(`{"packageType":"metaData","messageId":"x","chunkCount":%d,"messageByteCount":%d,"hashOfMessage":""}`,
				tt.count, tt.bytes)
			var p Package
			require.NoError(t, json.Unmarshal([]byte(raw), &p))

			a := NewAssembler()
			msg, complete, err := a.Add(p)
			assert.Nil(t, msg)
			assert.False(t, complete)
			assert.ErrorIs(t, err, ErrInvalidMetaData)
			assert.Zero(t, a.Pending())
		})
	}
}

func TestAssemblerRejectsRepeatedMetaData(t *testing.T) {
	packages := Split([]byte("hello world"), 6)
	a := NewAssembler()

	_, _, err := a.Add(packages[0])
	require.NoError(t, err)
	_, _, err = a.Add(packages[0])
	assert.ErrorIs(t, err, ErrInvalidMetaData)
	assert.Zero(t, a.Pending())
}

func TestAssemblerRejectsOutOfRangeChunks(t *testing.T) {
	packages := Split([]byte("hello world"), 6)
	a := NewAssembler()

	_, _, err := a.Add(packages[0])
	require.NoError(t, err)

	packages[1].Chunk.ChunkIndex = 2
	_, _, err = a.Add(packages[1])
	assert.ErrorIs(t, err, ErrIncorrectIndices)

	negative := Package{Type: PackageChunk, Chunk: &Chunk{MessageID: "y", ChunkIndex: -1}}
	_, _, err = a.Add(negative)
	assert.ErrorIs(t, err, ErrIncorrectIndices)
	assert.Zero(t, a.Pending())
}

func TestAssemblerBoundsChunksWithoutMetaData(t *testing.T) {
	a := NewAssembler()

	dup := Package{Type: PackageChunk, Chunk: &Chunk{MessageID: "m", ChunkIndex: 3, ChunkData: []byte("ab")}}
	_, _, err := a.Add(dup)
	require.NoError(t, err)
	_, _, err = a.Add(dup)
	assert.ErrorIs(t, err, ErrIncorrectIndices)
	assert.Zero(t, a.Pending())

	big := make([]byte, MaxMessageByteCount)
	for i := 0; i < 2; i++ {
		_, _, err = a.Add(Package{Type: PackageChunk, Chunk: &Chunk{MessageID: "big", ChunkIndex: i, ChunkData: big}})
	}
	assert.ErrorIs(t, err, ErrByteCountMismatch)

	for i := 0; i < maxPendingMessages; i++ {
		_, _, err = a.Add(Package{Type: PackageChunk, Chunk: &Chunk{MessageID: fmt.Sprint(i), ChunkData: []byte("x")}})
		require.NoError(t, err)
	}
	_, _, err = a.Add(Package{Type: PackageChunk, Chunk: &Chunk{MessageID: "one-more", ChunkData: []byte("x")}})
	assert.ErrorIs(t, err, ErrTooManyPending)
	assert.Equal(t, maxPendingMessages, a.Pending())
}

func TestAssemblerMetaDataAfterChunks(t *testing.T) {
	packages := Split([]byte("hello world"), 6)
	a := NewAssembler()

	for _, p := range packages[1:] {
		_, complete, err := a.Add(p)
		require.NoError(t, err)
		assert.False(t, complete)
	}
	msg, complete, err := a.Add(packages[0])
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "hello world", string(msg))
	assert.Zero(t, a.Pending())
}

func TestUnknownPackageType(t *testing.T) {
	var p Package
	err := json.Unmarshal([]byte(`{"packageType":"nope"}`), &p)
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func TestIsTunnelName(t *testing.T) {
	assert.True(t, isTunnelName("wg0"))
	assert.True(t, isTunnelName("utun3"))
	assert.False(t, isTunnelName("eth0"))
}
