// Package metainfo builds a typed torrent descriptor from a decoded
// bencode dictionary.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"gobt/internal/bencode"
)

// ErrInvalid is wrapped by every parse error. It is fatal for the torrent.
var ErrInvalid = errors.New("invalid metainfo")

// HashSize is the size of a SHA-1 digest.
const HashSize = sha1.Size

// Hash is a SHA-1 digest of a piece or of the info dictionary.
type Hash = [HashSize]byte

// File is one entry of the descriptor's file list. Path is relative,
// segments joined with "/".
type File struct {
	Path   string
	Length int64
}

// Info is the parsed, immutable torrent descriptor.
type Info struct {
	Announce    string
	Name        string
	InfoHash    Hash
	PieceLength int64
	PieceHashes []Hash
	TotalLength int64
	Files       []File
}

// Raw shapes filled by mapstructure from the decoded dictionaries.
// Byte-string fields arrive as Go strings holding raw bytes.
type rawMeta struct {
	Announce string  `mapstructure:"announce"`
	Info     rawInfo `mapstructure:"info"`
}

type rawInfo struct {
	Name        string    `mapstructure:"name"`
	PieceLength int64     `mapstructure:"piece length"`
	Pieces      string    `mapstructure:"pieces"`
	Length      int64     `mapstructure:"length"`
	Files       []rawFile `mapstructure:"files"`
}

type rawFile struct {
	Length int64    `mapstructure:"length"`
	Path   []string `mapstructure:"path"`
}

// Load decodes a whole .torrent file and parses it.
func Load(data []byte) (*Info, error) {
	v, err := bencode.DecodeFull(data)
	if err != nil {
		return nil, err
	}
	return Parse(v)
}

// Parse builds the descriptor from a decoded bencode value.
//
// The info hash is computed over the info dictionary exactly as it appeared
// on the wire (its decoded span), never over a reconstruction, so it
// matches what compliant peers expect.
func Parse(v bencode.Value) (*Info, error) {
	infoVal, ok := v.Get("info")
	if !ok {
		return nil, fmt.Errorf("missing info dictionary: %w", ErrInvalid)
	}
	if infoVal.Kind() != bencode.Dict {
		return nil, fmt.Errorf("info is not a dictionary: %w", ErrInvalid)
	}

	infoRaw := infoVal.Span()
	if infoRaw == nil {
		// Constructed value; canonical encoding is equivalent.
		var err error
		infoRaw, err = bencode.Encode(infoVal)
		if err != nil {
			return nil, fmt.Errorf("encoding info dictionary: %w", ErrInvalid)
		}
	}

	var raw rawMeta
	if err := mapstructure.Decode(v.Interface(), &raw); err != nil {
		return nil, fmt.Errorf("decoding metainfo fields: %v: %w", err, ErrInvalid)
	}

	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("piece length %d is not positive: %w", raw.Info.PieceLength, ErrInvalid)
	}
	if len(raw.Info.Pieces)%HashSize != 0 {
		return nil, fmt.Errorf("pieces length %d is not a multiple of %d: %w", len(raw.Info.Pieces), HashSize, ErrInvalid)
	}

	in := &Info{
		Announce:    raw.Announce,
		Name:        raw.Info.Name,
		InfoHash:    sha1.Sum(infoRaw),
		PieceLength: raw.Info.PieceLength,
	}
	in.PieceHashes = make([]Hash, 0, len(raw.Info.Pieces)/HashSize)
	for i := 0; i+HashSize <= len(raw.Info.Pieces); i += HashSize {
		var h Hash
		copy(h[:], raw.Info.Pieces[i:i+HashSize])
		in.PieceHashes = append(in.PieceHashes, h)
	}

	switch {
	case len(raw.Info.Files) > 0:
		for _, f := range raw.Info.Files {
			if f.Length < 0 {
				return nil, fmt.Errorf("file length %d is negative: %w", f.Length, ErrInvalid)
			}
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("file has empty path: %w", ErrInvalid)
			}
			in.Files = append(in.Files, File{Path: strings.Join(f.Path, "/"), Length: f.Length})
			in.TotalLength += f.Length
		}
	default:
		if _, ok := infoVal.Get("length"); !ok {
			return nil, fmt.Errorf("missing length and files: %w", ErrInvalid)
		}
		if raw.Info.Length < 0 {
			return nil, fmt.Errorf("length %d is negative: %w", raw.Info.Length, ErrInvalid)
		}
		in.Files = []File{{Path: raw.Info.Name, Length: raw.Info.Length}}
		in.TotalLength = raw.Info.Length
	}

	want := int((in.TotalLength + in.PieceLength - 1) / in.PieceLength)
	if len(in.PieceHashes) != want {
		return nil, fmt.Errorf("have %d piece hashes for %d pieces: %w", len(in.PieceHashes), want, ErrInvalid)
	}
	return in, nil
}

// NumPieces returns the number of pieces in the torrent.
func (in *Info) NumPieces() int { return len(in.PieceHashes) }

// PieceSize returns the byte length of piece i; only the final piece may be
// shorter than PieceLength.
func (in *Info) PieceSize(i int) int {
	if i == in.NumPieces()-1 {
		if rem := in.TotalLength % in.PieceLength; rem != 0 {
			return int(rem)
		}
	}
	return int(in.PieceLength)
}
