// Package artifacts computes authoritative version fingerprints for derived artifacts.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/fingerprint"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

// Kind enumerates server-authoritative derived artifacts.
type Kind string

const (
	// KindOCR is the recognized text of a scanned item.
	KindOCR Kind = "ocr"
	// KindMetadata is the book metadata record.
	KindMetadata Kind = "metadata"
	// KindVectorIndex is the semantic search index.
	KindVectorIndex Kind = "vector_index"
)

// ErrUnknownKind indicates an artifact kind outside the enumerated set.
var ErrUnknownKind = errors.New("artifacts: unknown artifact kind")

// Kinds lists every artifact kind in canonical order.
func Kinds() []Kind {
	return []Kind{KindOCR, KindMetadata, KindVectorIndex}
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	switch Kind(normalized) {
	case KindOCR, KindMetadata, KindVectorIndex:
		return Kind(normalized), nil
	case "vectorindex", "vector-index":
		return KindVectorIndex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// ContentSource is the opaque storage layer holding current artifact content.
// A missing artifact is reported with found=false and no error.
type ContentSource interface {
	ArtifactContent(ctx context.Context, itemID ids.ItemID, kind Kind) (content []byte, found bool, err error)
}

// Versions holds one fingerprint per artifact; an empty token means the artifact does not exist.
type Versions struct {
	OCR         fingerprint.Token
	Metadata    fingerprint.Token
	VectorIndex fingerprint.Token
}

// Get returns the token for kind.
func (v Versions) Get(kind Kind) fingerprint.Token {
	switch kind {
	case KindOCR:
		return v.OCR
	case KindMetadata:
		return v.Metadata
	case KindVectorIndex:
		return v.VectorIndex
	default:
		return ""
	}
}

// Set returns a copy of v with the token for kind replaced.
func (v Versions) Set(kind Kind, token fingerprint.Token) Versions {
	switch kind {
	case KindOCR:
		v.OCR = token
	case KindMetadata:
		v.Metadata = token
	case KindVectorIndex:
		v.VectorIndex = token
	}
	return v
}

// Change is the minimal descriptor of an artifact whose server version differs from the client's.
type Change struct {
	Artifact      Kind
	ServerVersion fingerprint.Token
	ClientVersion fingerprint.Token
}

// Diff lists the artifacts whose server version differs from the client-reported version.
func (v Versions) Diff(client Versions) []Change {
	var changes []Change
	for _, kind := range Kinds() {
		server := v.Get(kind)
		reported := client.Get(kind)
		if server == reported {
			continue
		}
		changes = append(changes, Change{
			Artifact:      kind,
			ServerVersion: server,
			ClientVersion: reported,
		})
	}
	return changes
}
