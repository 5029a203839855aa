package geometry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// maxSTLTriangles caps binary STL parsing at 16M faces to prevent a
// corrupted header from triggering a huge allocation.
const maxSTLTriangles = 16 << 20

// LoadSTL reads an STL file from disk, detecting ASCII vs binary format.
func LoadSTL(path string) (*Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading STL file: %w", err)
	}
	m, err := ParseSTL(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(baseName(path), ".stl")
	}
	return m, nil
}

// ParseSTL parses STL bytes, detecting ASCII vs binary format. A file is
// treated as ASCII if it starts with "solid" and contains a "facet"
// keyword; some binary exporters also write "solid" into the 80-byte
// header, so the prefix alone is not enough.
func ParseSTL(data []byte) (*Mesh, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty STL data")
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("solid")) && bytes.Contains(data, []byte("facet")) {
		return parseASCIISTL(bytes.NewReader(data))
	}
	return parseBinarySTL(data)
}

func parseASCIISTL(r io.Reader) (*Mesh, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	m := NewMesh("")
	var normal Vec3
	var vertices []Vec3

	for scanner.Scan() {
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			if len(fields) > 1 && m.Name == "" {
				m.Name = strings.Join(fields[1:], " ")
			}
		case "facet":
			if len(fields) >= 5 && fields[1] == "normal" {
				normal = parseVec3(fields[2], fields[3], fields[4])
			}
		case "vertex":
			if len(fields) >= 4 {
				vertices = append(vertices, parseVec3(fields[1], fields[2], fields[3]))
			}
		case "endfacet":
			if len(vertices) == 3 {
				m.Triangles = append(m.Triangles, Triangle{
					Normal: normal,
					V1:     vertices[0],
					V2:     vertices[1],
					V3:     vertices[2],
				})
			}
			vertices = vertices[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ASCII STL: %w", err)
	}
	return m, nil
}

func parseVec3(x, y, z string) Vec3 {
	fx, _ := strconv.ParseFloat(x, 64)
	fy, _ := strconv.ParseFloat(y, 64)
	fz, _ := strconv.ParseFloat(z, 64)
	return Vec3{fx, fy, fz}
}

// parseBinarySTL parses the little-endian binary layout: 80-byte header,
// uint32 face count, then 50 bytes per face (12 floats + 2 attribute bytes).
func parseBinarySTL(data []byte) (*Mesh, error) {
	if len(data) < 84 {
		return nil, fmt.Errorf("binary STL too short: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[80:84])
	if count > maxSTLTriangles {
		return nil, fmt.Errorf("binary STL claims %d triangles, limit is %d", count, maxSTLTriangles)
	}
	need := 84 + int(count)*50
	if len(data) < need {
		return nil, fmt.Errorf("binary STL truncated: have %d bytes, need %d", len(data), need)
	}

	m := &Mesh{Triangles: make([]Triangle, count)}
	off := 84
	for i := range m.Triangles {
		m.Triangles[i] = Triangle{
			Normal: readVec3(data[off:]),
			V1:     readVec3(data[off+12:]),
			V2:     readVec3(data[off+24:]),
			V3:     readVec3(data[off+36:]),
		}
		off += 50
	}
	return m, nil
}

func readVec3(b []byte) Vec3 {
	return Vec3{
		X: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))),
		Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))),
		Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))),
	}
}

// EncodeSTL serializes the mesh as binary STL.
func EncodeSTL(m *Mesh) []byte {
	buf := make([]byte, 84+len(m.Triangles)*50)
	copy(buf, "kybercore binary STL")
	binary.LittleEndian.PutUint32(buf[80:84], uint32(len(m.Triangles)))

	off := 84
	for _, t := range m.Triangles {
		writeVec3(buf[off:], t.Normal)
		writeVec3(buf[off+12:], t.V1)
		writeVec3(buf[off+24:], t.V2)
		writeVec3(buf[off+36:], t.V3)
		off += 50
	}
	return buf
}

func writeVec3(b []byte, v Vec3) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(v.X)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(v.Y)))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(float32(v.Z)))
}

// SaveSTL writes the mesh to path as binary STL.
func SaveSTL(m *Mesh, path string) error {
	if err := os.WriteFile(path, EncodeSTL(m), 0o644); err != nil {
		return fmt.Errorf("writing STL file: %w", err)
	}
	return nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
