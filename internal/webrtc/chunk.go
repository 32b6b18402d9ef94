package webrtc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// DefaultChunkSize is the largest chunkData payload per package, chosen so
// a base64 encoded chunk package stays under the SCTP message limit that
// browsers accept.
const DefaultChunkSize = 15441

// Limits on what a remote peer may make the Assembler buffer.
const (
	MaxMessageByteCount = 16 << 20
	MaxChunkCount       = 4096

	maxPendingMessages = 64
	maxPendingBytes    = 2 * MaxMessageByteCount
)

// PackageType discriminates data channel packages.
type PackageType string

const (
	PackageMetaData     PackageType = "metaData"
	PackageChunk        PackageType = "chunk"
	PackageConfirmation PackageType = "receiveMessageConfirmation"
	PackageReceiveError PackageType = "receiveMessageError"
)

// ReceiveErrorHashMismatch is the only error a receiver reports back.
const ReceiveErrorHashMismatch = "messageHashesMismatch"

var (
	ErrIncorrectIndices  = errors.New("chunk indices are not contiguous")
	ErrByteCountMismatch = errors.New("message byte count mismatch")
	ErrHashMismatch      = errors.New("message hash mismatch")
	ErrUnknownPackage    = errors.New("unknown package type")
	ErrInvalidMetaData   = errors.New("invalid message metadata")
	ErrTooManyPending    = errors.New("too many partial messages")
)

type MetaData struct {
	MessageID        string `json:"messageId"`
	ChunkCount       int    `json:"chunkCount"`
	MessageByteCount int    `json:"messageByteCount"`
	HashOfMessage    string `json:"hashOfMessage"`
}

type Chunk struct {
	MessageID  string `json:"messageId"`
	ChunkIndex int    `json:"chunkIndex"`
	ChunkData  []byte `json:"chunkData"`
}

type Confirmation struct {
	MessageID string `json:"messageId"`
}

type ReceiveError struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Package is one data channel frame. Exactly one of the payload fields is
// set, matching Type.
type Package struct {
	Type         PackageType
	MetaData     *MetaData
	Chunk        *Chunk
	Confirmation *Confirmation
	ReceiveError *ReceiveError
}

func (p Package) MessageID() string {
	switch {
	case p.MetaData != nil:
		return p.MetaData.MessageID
	case p.Chunk != nil:
		return p.Chunk.MessageID
	case p.Confirmation != nil:
		return p.Confirmation.MessageID
	case p.ReceiveError != nil:
		return p.ReceiveError.MessageID
	default:
		return ""
	}
}

func (p Package) MarshalJSON() ([]byte, error) {
	switch {
	case p.MetaData != nil:
		return json.Marshal(struct {
			PackageType PackageType `json:"packageType"`
			*MetaData
		}{PackageMetaData, p.MetaData})
	case p.Chunk != nil:
		return json.Marshal(struct {
			PackageType PackageType `json:"packageType"`
			*Chunk
		}{PackageChunk, p.Chunk})
	case p.Confirmation != nil:
		return json.Marshal(struct {
			PackageType PackageType `json:"packageType"`
			*Confirmation
		}{PackageConfirmation, p.Confirmation})
	case p.ReceiveError != nil:
		return json.Marshal(struct {
			PackageType PackageType `json:"packageType"`
			*ReceiveError
		}{PackageReceiveError, p.ReceiveError})
	default:
		return nil, fmt.Errorf("%w: empty package", ErrUnknownPackage)
	}
}

func (p *Package) UnmarshalJSON(data []byte) error {
	var head struct {
		PackageType PackageType `json:"packageType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*p = Package{Type: head.PackageType}
	switch head.PackageType {
	case PackageMetaData:
		p.MetaData = new(MetaData)
		return json.Unmarshal(data, p.MetaData)
	case PackageChunk:
		p.Chunk = new(Chunk)
		return json.Unmarshal(data, p.Chunk)
	case PackageConfirmation:
		p.Confirmation = new(Confirmation)
		return json.Unmarshal(data, p.Confirmation)
	case PackageReceiveError:
		p.ReceiveError = new(ReceiveError)
		return json.Unmarshal(data, p.ReceiveError)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPackage, head.PackageType)
	}
}

// HashMessage is the hashOfMessage of a message.
func HashMessage(message []byte) string {
	sum := blake2b.Sum256(message)
	return hex.EncodeToString(sum[:])
}

// Split frames message into a metadata package followed by its chunks.
func Split(message []byte, chunkSize int) []Package {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	id := uuid.NewString()

	count := (len(message) + chunkSize - 1) / chunkSize
	packages := make([]Package, 0, count+1)
	packages = append(packages, Package{
		Type: PackageMetaData,
		MetaData: &MetaData{
			MessageID:        id,
			ChunkCount:       count,
			MessageByteCount: len(message),
			HashOfMessage:    HashMessage(message),
		},
	})

	for i := 0; i < count; i++ {
		end := min((i+1)*chunkSize, len(message))
		packages = append(packages, Package{
			Type:  PackageChunk,
			Chunk: &Chunk{MessageID: id, ChunkIndex: i, ChunkData: message[i*chunkSize : end]},
		})
	}
	return packages
}

// AssemblyError reports a message that could not be reassembled.
type AssemblyError struct {
	MessageID string
	Err       error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble message %s: %v", e.MessageID, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

type partial struct {
	meta    *MetaData
	chunks  []*Chunk
	indices map[int]struct{}
	bytes   int
}

// Assembler collects metadata and chunk packages, in any order, into whole
// messages. It is not safe for concurrent use.
type Assembler struct {
	pending map[string]*partial
	bytes   int
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*partial)}
}

// Add feeds one package. It returns the message once every chunk of it has
// arrived. Confirmation and error packages are ignored. A package that makes
// its message invalid drops everything buffered for that message.
func (a *Assembler) Add(p Package) (message []byte, complete bool, err error) {
	if p.MetaData == nil && p.Chunk == nil {
		return nil, false, nil
	}

	id := p.MessageID()
	e, err := a.entry(id)
	if err == nil {
		if p.MetaData != nil {
			err = e.setMeta(p.MetaData)
		} else {
			err = a.addChunk(e, p.Chunk)
		}
	}
	if err != nil {
		a.drop(id)
		return nil, false, &AssemblyError{MessageID: id, Err: err}
	}

	if e.meta == nil || len(e.chunks) < e.meta.ChunkCount {
		return nil, false, nil
	}
	a.drop(id)

	message, err = assemble(e)
	if err != nil {
		return nil, false, &AssemblyError{MessageID: id, Err: err}
	}
	return message, true, nil
}

// Pending is the number of partially received messages.
func (a *Assembler) Pending() int { return len(a.pending) }

func (a *Assembler) entry(id string) (*partial, error) {
	if e, ok := a.pending[id]; ok {
		return e, nil
	}
	if len(a.pending) >= maxPendingMessages {
		return nil, ErrTooManyPending
	}
	e := &partial{indices: make(map[int]struct{})}
	a.pending[id] = e
	return e, nil
}

func (a *Assembler) drop(id string) {
	if e, ok := a.pending[id]; ok {
		a.bytes -= e.bytes
		delete(a.pending, id)
	}
}

func (a *Assembler) addChunk(e *partial, c *Chunk) error {
	if c.ChunkIndex < 0 || c.ChunkIndex >= MaxChunkCount {
		return ErrIncorrectIndices
	}
	if _, dup := e.indices[c.ChunkIndex]; dup {
		return ErrIncorrectIndices
	}
	if e.meta != nil && c.ChunkIndex >= e.meta.ChunkCount {
		return ErrIncorrectIndices
	}
	if a.bytes+len(c.ChunkData) > maxPendingBytes {
		return ErrTooManyPending
	}

	e.indices[c.ChunkIndex] = struct{}{}
	e.chunks = append(e.chunks, c)
	e.bytes += len(c.ChunkData)
	a.bytes += len(c.ChunkData)
	return e.check()
}

func (e *partial) setMeta(m *MetaData) error {
	switch {
	case e.meta != nil:
		return fmt.Errorf("%w: repeated metadata", ErrInvalidMetaData)
	case m.ChunkCount < 0 || m.ChunkCount > MaxChunkCount:
		return fmt.Errorf("%w: chunk count %d", ErrInvalidMetaData, m.ChunkCount)
	case m.MessageByteCount < 0 || m.MessageByteCount > MaxMessageByteCount:
		return fmt.Errorf("%w: byte count %d", ErrInvalidMetaData, m.MessageByteCount)
	case m.ChunkCount > m.MessageByteCount, m.MessageByteCount > 0 && m.ChunkCount == 0:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidMetaData, m.ChunkCount, m.MessageByteCount)
	}
	e.meta = m
	for idx := range e.indices {
		if idx >= m.ChunkCount {
			return ErrIncorrectIndices
		}
	}
	return e.check()
}

// check rejects a message whose buffered chunks already exceed what its
// metadata announced.
func (e *partial) check() error {
	limit := MaxMessageByteCount
	if e.meta != nil {
		limit = e.meta.MessageByteCount
	}
	if e.bytes > limit {
		return ErrByteCountMismatch
	}
	return nil
}

func assemble(e *partial) ([]byte, error) {
	sort.Slice(e.chunks, func(i, j int) bool {
		return e.chunks[i].ChunkIndex < e.chunks[j].ChunkIndex
	})

	var buf bytes.Buffer
	buf.Grow(e.bytes)
	for i, c := range e.chunks {
		if c.ChunkIndex != i {
			return nil, ErrIncorrectIndices
		}
		buf.Write(c.ChunkData)
	}

	if buf.Len() != e.meta.MessageByteCount {
		return nil, ErrByteCountMismatch
	}
	if HashMessage(buf.Bytes()) != e.meta.HashOfMessage {
		return nil, ErrHashMismatch
	}
	return buf.Bytes(), nil
}
