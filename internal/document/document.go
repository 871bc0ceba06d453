// Package document reads the reference document from disk and splits it into
// passage-sized units. PDFs yield one unit per page; HTML and plain text are
// split at paragraph boundaries into blocks of bounded size.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyDocument is returned when no unit with non-whitespace text could be
// extracted, which usually means a scanned PDF without a text layer.
var ErrEmptyDocument = errors.New("document has no extractable text")

// DefaultMaxBlockChars bounds text and HTML blocks when Options leaves it unset.
const DefaultMaxBlockChars = 1200

// Format names the parser used for a document.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// Options controls splitting. They take part in the checksum, so changing
// them invalidates a persisted index.
type Options struct {
	MaxBlockChars int
}

func (o Options) maxBlockChars() int {
	if o.MaxBlockChars <= 0 {
		return DefaultMaxBlockChars
	}
	return o.MaxBlockChars
}

// Unit is one extracted passage candidate. Locator points back into the
// source, e.g. "page 3" or "offset 1824".
type Unit struct {
	Text    string
	Locator string
}

type Document struct {
	Path     string
	Format   Format
	Checksum string
	Units    []Unit
}

// Load reads and splits the document at path.
func Load(path string, opts Options) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	doc, err := Parse(path, data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse splits data, picking the parser from name's extension.
func Parse(name string, data []byte, opts Options) (*Document, error) {
	format := DetectFormat(name)

	var units []Unit
	var err error
	switch format {
	case FormatPDF:
		units, err = parsePDF(data)
	case FormatHTML:
		units, err = parseHTML(data, opts.maxBlockChars())
	default:
		units = splitText(string(data), opts.maxBlockChars())
	}
	if err != nil {
		return nil, err
	}

	kept := units[:0]
	for _, u := range units {
		if strings.TrimSpace(u.Text) != "" {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		return nil, ErrEmptyDocument
	}

	return &Document{
		Path:     name,
		Format:   format,
		Checksum: Checksum(data, opts),
		Units:    kept,
	}, nil
}

// DetectFormat maps a file extension to a Format. Unknown extensions are text.
func DetectFormat(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatText
	}
}

// Checksum identifies the document content together with the split options.
func Checksum(data []byte, opts Options) string {
	h := sha256.New()
	h.Write(data)
	fmt.Fprintf(h, "\x00max_block_chars=%d", opts.maxBlockChars())
	return hex.EncodeToString(h.Sum(nil))
}
