package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkDataSingleChunk(t *testing.T) {
	data := []byte("small payload")
	chunks, root := chunkData(data)
	assert.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0])
	assert.Equal(t, calculateCID(data), root)
}

func TestChunkDataMultipleChunks(t *testing.T) {
	data := make([]byte, chunkSize+10)
	for i := range data {
		data[i] = byte(i)
	}
	chunks, root := chunkData(data)
	assert.Len(t, chunks, 2)
	assert.Equal(t, computeMerkleRoot(chunks), root)
}

func TestComputeMerkleRootEmpty(t *testing.T) {
	assert.Equal(t, "", computeMerkleRoot(nil))
}

func TestMetadataAndChunkKeysAreStable(t *testing.T) {
	cid := calculateCID([]byte("x"))
	assert.Equal(t, metadataKey(cid), metadataKey(cid))
	assert.NotEqual(t, metadataKey(cid), chunkKey(cid))
}
