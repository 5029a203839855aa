package geometry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asciiSTL = `solid wedge
  facet normal 0 0 1
    outer loop
      vertex 0 0 0
      vertex 10 0 0
      vertex 0 10 0
    endloop
  endfacet
  facet normal 0 0 -1
    outer loop
      vertex 0 0 0
      vertex 0 10 0
      vertex 10 0 0
    endloop
  endfacet
endsolid wedge
`

func TestParseASCIISTL(t *testing.T) {
	m, err := ParseSTL([]byte(asciiSTL))
	require.NoError(t, err)
	assert.Equal(t, 2, m.FaceCount())
	assert.Equal(t, Vec3{10, 10, 0}, m.Bounds().Max)
}

func TestBinaryRoundTrip(t *testing.T) {
	src := unitCube()
	data := EncodeSTL(src)

	m, err := ParseSTL(data)
	require.NoError(t, err)
	assert.Equal(t, src.FaceCount(), m.FaceCount())
	assert.Equal(t, src.Bounds(), m.Bounds())
	assert.InDelta(t, src.Volume(), m.Volume(), 1e-3)
}

func TestParseSTLEmptyInput(t *testing.T) {
	_, err := ParseSTL(nil)
	assert.Error(t, err)
}

func TestParseSTLTruncatedBinary(t *testing.T) {
	data := EncodeSTL(unitCube())
	_, err := ParseSTL(data[:len(data)-10])
	assert.Error(t, err)
}

func TestParseSTLBinaryNamedSolid(t *testing.T) {
	// A binary file whose header begins with "solid" but carries no ASCII
	// facet markup must still parse as binary.
	data := EncodeSTL(unitCube())
	copy(data, []byte("solid "))
	m, err := ParseSTL(data)
	require.NoError(t, err)
	assert.Equal(t, 12, m.FaceCount())
}

func TestSaveAndLoadSTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cube.stl")
	require.NoError(t, SaveSTL(unitCube(), path))

	m, err := LoadSTL(path)
	require.NoError(t, err)
	assert.Equal(t, 12, m.FaceCount())
}

func TestLoadSTLMissingFile(t *testing.T) {
	_, err := LoadSTL(filepath.Join(t.TempDir(), "nope.stl"))
	assert.Error(t, err)
}
