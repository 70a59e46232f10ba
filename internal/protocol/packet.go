// Package protocol implements the line-delimited JSON packet format spoken
// between the root server, relays, and clients.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zde37/srbnfs/pkg"
)

// Protocol metadata announced in handshakes.
const (
	Version   = "2.0"
	OriginURL = "https://github.com/zde37/srbnfs"
)

// PacketType discriminates the packet variants.
type PacketType string

const (
	TypeHandshake         PacketType = "Handshake"
	TypeRootConfiguration PacketType = "RootConfiguration"
	TypeRelayFile         PacketType = "RelayFile"
	TypeInjectFile        PacketType = "InjectFile"
)

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	switch t {
	case TypeHandshake, TypeRootConfiguration, TypeRelayFile, TypeInjectFile:
		return true
	}
	return false
}

// Identity is the role a peer declares in its handshake.
type Identity string

const (
	IdentityUnknown    Identity = "Unknown"
	IdentityRootServer Identity = "RootServer"
	IdentityRelay      Identity = "Relay"
	IdentityListener   Identity = "Listener"
)

// ParseIdentity maps a declared identity string to its variant.
// Unrecognized values map to IdentityUnknown.
func ParseIdentity(s string) Identity {
	switch Identity(s) {
	case IdentityRootServer, IdentityRelay, IdentityListener:
		return Identity(s)
	}
	return IdentityUnknown
}

// ProtocolInfo describes the protocol revision of the sender.
type ProtocolInfo struct {
	Version   string `json:"version"`
	OriginURL string `json:"origin_url"`
}

// CurrentProtocol returns the metadata for this implementation.
func CurrentProtocol() *ProtocolInfo {
	return &ProtocolInfo{Version: Version, OriginURL: OriginURL}
}

// Payload carries the recognized data keys. Which keys are required depends on the packet type.
// FileContent is a pointer so an empty file ("") stays distinct from an absent key.
type Payload struct {
	ProgramName      string  `json:"ProgramName,omitempty"`
	Identity         string  `json:"Identity,omitempty"`
	NextRelayAddress string  `json:"NextRelayAddress,omitempty"`
	FileName         string  `json:"FileName,omitempty"`
	FileContent      *string `json:"FileContent,omitempty"`
	StartTime        *int64  `json:"StartTime,omitempty"`
}

// Packet is one line on the wire.
type Packet struct {
	Type         PacketType    `json:"packet_type"`
	ProtocolInfo *ProtocolInfo `json:"protocol_info"`
	Data         *Payload      `json:"data"`
}

// Encode serializes the packet as a single newline-terminated line.
func (p *Packet) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s packet: %w", p.Type, err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line into a packet. Payload completeness is not checked here;
// see Packet.Message.
func Decode(line []byte) (*Packet, error) {
	line = bytes.TrimSpace(line)

	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrMalformedPacket, err)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown packet type %q", pkg.ErrMalformedPacket, p.Type)
	}
	return &p, nil
}

// Message is a typed packet variant.
type Message interface {
	Kind() PacketType
	Packet() *Packet
}

// Message converts the wire packet into its typed variant. A missing
// required field yields pkg.ErrMissingField.
func (p *Packet) Message() (Message, error) {
	d := p.Data
	if d == nil {
		d = &Payload{}
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: %s packet has no %s", pkg.ErrMissingField, p.Type, field)
	}

	switch p.Type {
	case TypeHandshake:
		return Handshake{
			Info:        p.ProtocolInfo,
			ProgramName: d.ProgramName,
			Identity:    d.Identity,
		}, nil

	case TypeRootConfiguration:
		if d.NextRelayAddress == "" {
			return nil, missing("NextRelayAddress")
		}
		return RootConfiguration{NextRelayAddress: d.NextRelayAddress}, nil

	case TypeRelayFile:
		if d.FileName == "" {
			return nil, missing("FileName")
		}
		if d.FileContent == nil {
			return nil, missing("FileContent")
		}
		var start int64
		if d.StartTime != nil {
			start = *d.StartTime
		}
		return RelayFile{FileName: d.FileName, FileContent: *d.FileContent, StartTime: start}, nil

	case TypeInjectFile:
		if d.FileName == "" {
			return nil, missing("FileName")
		}
		if d.FileContent == nil {
			return nil, missing("FileContent")
		}
		return InjectFile{FileName: d.FileName, FileContent: *d.FileContent}, nil
	}

	return nil, fmt.Errorf("%w: unknown packet type %q", pkg.ErrMalformedPacket, p.Type)
}

// Handshake announces the sender's program and, optionally, its role.
type Handshake struct {
	Info        *ProtocolInfo
	ProgramName string
	Identity    string // empty when not declared
}

func (Handshake) Kind() PacketType { return TypeHandshake }

func (h Handshake) Packet() *Packet {
	p := &Packet{Type: TypeHandshake, ProtocolInfo: h.Info}
	if h.ProgramName != "" || h.Identity != "" {
		p.Data = &Payload{ProgramName: h.ProgramName, Identity: h.Identity}
	}
	return p
}

// Declared reports whether the handshake carries an Identity field.
func (h Handshake) Declared() bool {
	return h.Identity != ""
}

// NewHandshake builds a handshake carrying the current protocol info.
func NewHandshake(program string, id Identity) Handshake {
	return Handshake{Info: CurrentProtocol(), ProgramName: program, Identity: string(id)}
}

// RootConfiguration tells a relay where to forward files.
type RootConfiguration struct {
	NextRelayAddress string
}

func (RootConfiguration) Kind() PacketType { return TypeRootConfiguration }

func (c RootConfiguration) Packet() *Packet {
	return &Packet{
		Type: TypeRootConfiguration,
		Data: &Payload{NextRelayAddress: c.NextRelayAddress},
	}
}

// RelayFile is a file travelling around the ring or fanned out to listeners.
type RelayFile struct {
	FileName    string
	FileContent string // base64
	StartTime   int64  // unix seconds at the root server
}

func (RelayFile) Kind() PacketType { return TypeRelayFile }

func (f RelayFile) Packet() *Packet {
	start, content := f.StartTime, f.FileContent
	return &Packet{
		Type: TypeRelayFile,
		Data: &Payload{FileName: f.FileName, FileContent: &content, StartTime: &start},
	}
}

// NewRelayFile stamps a file with the given time.
func NewRelayFile(name, content string, now time.Time) RelayFile {
	return RelayFile{FileName: name, FileContent: content, StartTime: now.Unix()}
}

// Decoded returns the raw file bytes.
func (f RelayFile) Decoded() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.FileContent)
}

// InjectFile asks the root server to push a file into the ring.
type InjectFile struct {
	FileName    string
	FileContent string // base64
}

func (InjectFile) Kind() PacketType { return TypeInjectFile }

func (f InjectFile) Packet() *Packet {
	content := f.FileContent
	return &Packet{
		Type:         TypeInjectFile,
		ProtocolInfo: CurrentProtocol(),
		Data:         &Payload{FileName: f.FileName, FileContent: &content},
	}
}

// NewInjectFile base64-encodes content for injection.
func NewInjectFile(name string, content []byte) InjectFile {
	return InjectFile{FileName: name, FileContent: base64.StdEncoding.EncodeToString(content)}
}
