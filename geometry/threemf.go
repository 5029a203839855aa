package geometry

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// threeMFModel mirrors the subset of the 3MF core model markup needed to
// recover a triangle soup. Units, materials, and build transforms beyond
// per-item placement are ignored.
type threeMFModel struct {
	XMLName   xml.Name `xml:"model"`
	Resources struct {
		Objects []struct {
			ID   string `xml:"id,attr"`
			Mesh *struct {
				Vertices struct {
					V []struct {
						X float64 `xml:"x,attr"`
						Y float64 `xml:"y,attr"`
						Z float64 `xml:"z,attr"`
					} `xml:"vertex"`
				} `xml:"vertices"`
				Triangles struct {
					T []struct {
						V1 int `xml:"v1,attr"`
						V2 int `xml:"v2,attr"`
						V3 int `xml:"v3,attr"`
					} `xml:"triangle"`
				} `xml:"triangles"`
			} `xml:"mesh"`
		} `xml:"object"`
	} `xml:"resources"`
}

// Is3MF reports whether the bytes look like a 3MF container (a ZIP
// archive; magic "PK").
func Is3MF(data []byte) bool {
	return len(data) >= 2 && data[0] == 'P' && data[1] == 'K'
}

// Parse3MF extracts all mesh objects from a 3MF archive and merges them
// into a single triangle soup.
func Parse3MF(data []byte) (*Mesh, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening 3MF archive: %w", err)
	}

	var modelXML []byte
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".model") && strings.HasPrefix(f.Name, "3D/") {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", f.Name, err)
			}
			modelXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", f.Name, err)
			}
			break
		}
	}
	if modelXML == nil {
		return nil, fmt.Errorf("3MF archive contains no 3D/*.model part")
	}

	var model threeMFModel
	if err := xml.Unmarshal(modelXML, &model); err != nil {
		return nil, fmt.Errorf("parsing 3MF model XML: %w", err)
	}

	out := NewMesh("")
	for _, obj := range model.Resources.Objects {
		if obj.Mesh == nil {
			continue
		}
		verts := obj.Mesh.Vertices.V
		for _, tri := range obj.Mesh.Triangles.T {
			if tri.V1 >= len(verts) || tri.V2 >= len(verts) || tri.V3 >= len(verts) ||
				tri.V1 < 0 || tri.V2 < 0 || tri.V3 < 0 {
				return nil, fmt.Errorf("3MF object %s references vertex out of range", obj.ID)
			}
			out.Triangles = append(out.Triangles, Triangle{
				V1: Vec3{verts[tri.V1].X, verts[tri.V1].Y, verts[tri.V1].Z},
				V2: Vec3{verts[tri.V2].X, verts[tri.V2].Y, verts[tri.V2].Z},
				V3: Vec3{verts[tri.V3].X, verts[tri.V3].Y, verts[tri.V3].Z},
			})
		}
	}
	if len(out.Triangles) == 0 {
		return nil, fmt.Errorf("3MF model contains no triangles")
	}
	return out, nil
}

// Convert3MFToSTL converts 3MF container bytes to binary STL bytes, used when
// an upstream service only accepts triangle meshes.
func Convert3MFToSTL(data []byte) ([]byte, error) {
	m, err := Parse3MF(data)
	if err != nil {
		return nil, err
	}
	return EncodeSTL(m), nil
}

// LoadMeshBytes parses mesh bytes in any supported format (binary STL,
// ASCII STL, or 3MF).
func LoadMeshBytes(data []byte) (*Mesh, error) {
	if Is3MF(data) {
		return Parse3MF(data)
	}
	return ParseSTL(data)
}
